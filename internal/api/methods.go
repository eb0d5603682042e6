package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// Call runs r and decodes the data into T.
func Call[T any](ctx context.Context, c *Client, r Request) (*Envelope[T], error) {
	raw, err := c.sendRaw(ctx, &r)
	if err != nil {
		return nil, err
	}
	return decodeEnvelope[T](raw)
}

func Get[T any](ctx context.Context, c *Client, path string) (*Envelope[T], error) {
	return Call[T](ctx, c, Request{Method: http.MethodGet, Path: path})
}

func Post[T any](ctx context.Context, c *Client, path string, body any) (*Envelope[T], error) {
	return Call[T](ctx, c, Request{Method: http.MethodPost, Path: path, Body: body})
}

func Put[T any](ctx context.Context, c *Client, path string, body any) (*Envelope[T], error) {
	return Call[T](ctx, c, Request{Method: http.MethodPut, Path: path, Body: body})
}

func Patch[T any](ctx context.Context, c *Client, path string, body any) (*Envelope[T], error) {
	return Call[T](ctx, c, Request{Method: http.MethodPatch, Path: path, Body: body})
}

// Delete accepts an optional body; pass nil for none.
func Delete[T any](ctx context.Context, c *Client, path string, body any) (*Envelope[T], error) {
	return Call[T](ctx, c, Request{Method: http.MethodDelete, Path: path, Body: body})
}

// GetPaginated fetches one page of a list endpoint. filters are sent as query
// parameters; a "limit" filter is used when the reply has no pagination block.
func GetPaginated[T any](ctx context.Context, c *Client, path string, filters url.Values) (*Envelope[Page[T]], error) {
	raw, err := c.sendRaw(ctx, &Request{Method: http.MethodGet, Path: path, Query: filters})
	if err != nil {
		return nil, err
	}
	limit, _ := strconv.Atoi(filters.Get("limit"))
	return decodePage[T](raw, limit)
}
