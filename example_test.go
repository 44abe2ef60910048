package esi_test

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ambiyansyah-risyal/esi"
)

func ExampleProcessor_Process() {
	fragments := map[string]string{
		"https://fragments.example.com/header":     "<header>Shop</header>",
		"https://fragments.example.com/cart":       `<div>cart: <esi:include src="/cart/count"/></div>`,
		"https://fragments.example.com/cart/count": "3",
	}
	fetcher := esi.FetcherFunc(func(ctx context.Context, url string, opts esi.FetchOptions) (*esi.Response, error) {
		body, ok := fragments[url]
		if !ok {
			return nil, esi.NewStatusError(url, http.StatusNotFound)
		}
		return &esi.Response{URL: url, StatusCode: http.StatusOK, Body: body}, nil
	})

	p, err := esi.New(
		esi.WithBaseURL("https://fragments.example.com"),
		esi.WithFetcher(fetcher),
		esi.WithOnError(func(src string, err error) string {
			return "<!-- " + err.Error() + " -->"
		}),
	)
	if err != nil {
		panic(err)
	}

	out, err := p.Process(context.Background(),
		`<esi:include src="/header"/><esi:include src='cart'></esi:include><esi:include src=/promo></esi:include>`)
	if err != nil {
		panic(err)
	}
	fmt.Println(out)
	// Output: <header>Shop</header><div>cart: 3</div><!-- HTTP error: status code 404 -->
}
