package api

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/apierr"
)

// Envelope is the uniform reply shape. The client only ever returns envelopes
// with Success set; failures come back as *apierr.Error instead.
type Envelope[T any] struct {
	Success bool                `json:"success"`
	Data    T                   `json:"data"`
	Message string              `json:"message,omitempty"`
	Error   string              `json:"error,omitempty"`
	Details []apierr.FieldError `json:"details,omitempty"`
}

// Pagination describes one page of a list endpoint.
type Pagination struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Pages int `json:"pages"`
	Limit int `json:"limit"`
}

// UnmarshalJSON accepts the field spellings used across the API's list
// endpoints (total/totalItems, pages/totalPages, page/currentPage, limit/pageSize).
func (p *Pagination) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	pick := func(keys ...string) int {
		for _, k := range keys {
			if v, ok := raw[k].(json.Number); ok {
				if n, err := v.Int64(); err == nil {
					return int(n)
				}
				if f, err := v.Float64(); err == nil {
					return int(f)
				}
			}
		}
		return 0
	}
	p.Total = pick("total", "totalItems", "count")
	p.Page = pick("page", "currentPage")
	p.Pages = pick("pages", "totalPages")
	p.Limit = pick("limit", "pageSize", "perPage")
	return nil
}

// Page is the data of a paginated envelope.
type Page[T any] struct {
	Items      []T        `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// normalize makes len(Items) <= Limit and Pages == ceil(Total/Limit) hold.
func (p *Page[T]) normalize() {
	if p.Items == nil {
		p.Items = []T{}
	}
	if p.Pagination.Limit < len(p.Items) {
		p.Pagination.Limit = len(p.Items)
	}
	if p.Pagination.Total < len(p.Items) {
		p.Pagination.Total = len(p.Items)
	}
	if p.Pagination.Page < 1 {
		p.Pagination.Page = 1
	}
	if p.Pagination.Limit > 0 {
		p.Pagination.Pages = int(math.Ceil(float64(p.Pagination.Total) / float64(p.Pagination.Limit)))
	} else {
		p.Pagination.Pages = 0
	}
}

// Blob is a downloaded body.
type Blob struct {
	Data        []byte
	ContentType string
	Filename    string // from Content-Disposition, if any
}

// wireEnvelope is what a conventional server reply looks like on the wire.
type wireEnvelope struct {
	Success    *bool               `json:"success"`
	Data       json.RawMessage     `json:"data"`
	Message    string              `json:"message"`
	Error      json.RawMessage     `json:"error"`
	Details    []apierr.FieldError `json:"details"`
	Errors     []apierr.FieldError `json:"errors"`
	Code       string              `json:"code"`
	Pagination *Pagination         `json:"pagination"`
}

// errorText reads "error" as either a string or an object with a message.
func (w *wireEnvelope) errorText() string {
	if len(w.Error) == 0 || bytes.Equal(w.Error, []byte("null")) {
		return ""
	}
	var s string
	if json.Unmarshal(w.Error, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(w.Error, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return string(w.Error)
}

func (w *wireEnvelope) details() []apierr.FieldError {
	if len(w.Details) > 0 {
		return w.Details
	}
	return w.Errors
}

// rawEnvelope is a normalized reply before its data is decoded.
type rawEnvelope struct {
	Envelope[json.RawMessage]
	pagination *Pagination
}

// normalize turns any 2xx body into an envelope. Bare JSON is wrapped,
// enveloped JSON passes through, and success:false becomes an error.
func normalize(body []byte) (*rawEnvelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return &rawEnvelope{Envelope: Envelope[json.RawMessage]{Success: true}}, nil
	}
	if !json.Valid(trimmed) {
		text, _ := json.Marshal(string(body))
		return &rawEnvelope{Envelope: Envelope[json.RawMessage]{Success: true, Data: text}}, nil
	}

	if trimmed[0] == '{' {
		var w wireEnvelope
		if err := json.Unmarshal(trimmed, &w); err == nil && w.Success != nil {
			if !*w.Success {
				msg := w.errorText()
				if msg == "" {
					msg = w.Message
				}
				if msg == "" {
					msg = "request failed"
				}
				e := apierr.New(apierr.KindValidation, msg).WithCode(w.Code)
				e.Details = w.details()
				return nil, e
			}
			return &rawEnvelope{
				Envelope: Envelope[json.RawMessage]{
					Success: true,
					Data:    w.Data,
					Message: w.Message,
					Details: w.details(),
				},
				pagination: w.Pagination,
			}, nil
		}
	}

	return &rawEnvelope{Envelope: Envelope[json.RawMessage]{Success: true, Data: trimmed}}, nil
}

// decodeEnvelope decodes raw.Data into T.
func decodeEnvelope[T any](raw *rawEnvelope) (*Envelope[T], error) {
	out := &Envelope[T]{
		Success: raw.Success,
		Message: raw.Message,
		Details: raw.Details,
	}
	if len(raw.Data) > 0 && !bytes.Equal(raw.Data, []byte("null")) {
		if err := json.Unmarshal(raw.Data, &out.Data); err != nil {
			return nil, apierr.Wrap(apierr.KindServer, "unexpected response shape", err).WithCode("INVALID_RESPONSE")
		}
	}
	return out, nil
}

// decodePage builds a page from a normalized reply. The list can be the data
// itself (with or without a top-level pagination block) or nested as
// {data|items, pagination} inside data.
func decodePage[T any](raw *rawEnvelope, requestedLimit int) (*Envelope[Page[T]], error) {
	page := Page[T]{}

	var nested struct {
		Data       json.RawMessage `json:"data"`
		Items      json.RawMessage `json:"items"`
		Rows       json.RawMessage `json:"rows"`
		Pagination *Pagination     `json:"pagination"`
	}

	list := raw.Data
	switch {
	case raw.pagination != nil:
		page.Pagination = *raw.pagination
	case len(list) > 0 && bytes.TrimSpace(list)[0] == '{' && json.Unmarshal(list, &nested) == nil:
		switch {
		case len(nested.Data) > 0:
			list = nested.Data
		case len(nested.Items) > 0:
			list = nested.Items
		default:
			list = nested.Rows
		}
		if nested.Pagination != nil {
			page.Pagination = *nested.Pagination
		}
	default:
		page.Pagination.Limit = requestedLimit
	}

	if len(list) > 0 && !bytes.Equal(list, []byte("null")) {
		if err := json.Unmarshal(list, &page.Items); err != nil {
			return nil, apierr.Wrap(apierr.KindServer, "unexpected list shape", err).WithCode("INVALID_RESPONSE")
		}
	}
	if page.Pagination.Limit == 0 && requestedLimit > 0 {
		page.Pagination.Limit = requestedLimit
	}
	page.normalize()

	return &Envelope[Page[T]]{
		Success: true,
		Data:    page,
		Message: raw.Message,
		Details: raw.Details,
	}, nil
}
