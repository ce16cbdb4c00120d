// Package views renders the HTML pages of the ETL server as templ
// components.
package views

import (
	"context"
	"fmt"
	"io"

	"github.com/a-h/templ"

	"github.com/JonMunkholm/feedlot-etl/internal/etl"
)

// page collects the first write error so components can render without
// checking every call.
type page struct {
	w   io.Writer
	err error
}

func (p *page) raw(s string) {
	if p.err == nil {
		_, p.err = io.WriteString(p.w, s)
	}
}

func (p *page) text(s string) { p.raw(templ.EscapeString(s)) }

func (p *page) printf(format string, args ...any) { p.text(fmt.Sprintf(format, args...)) }

func (p *page) render(ctx context.Context, c templ.Component) {
	if p.err == nil && c != nil {
		p.err = c.Render(ctx, p.w)
	}
}

// Layout wraps body in the page shell.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &page{w: w}
		p.raw(`<!DOCTYPE html><html lang="en"><head><meta charset="utf-8"><title>`)
		p.text(title)
		p.raw(`</title><style>body{font-family:sans-serif;margin:2rem}table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:.25rem .5rem}.error{color:#b00}.warning{color:#a60}</style></head><body><h1>`)
		p.text(title)
		p.raw(`</h1>`)
		p.render(ctx, body)
		p.raw(`</body></html>`)
		return p.err
	})
}

// Index is the upload form posting to the HTML preview.
func Index(tables []etl.TableInfo) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &page{w: w}
		p.raw(`<form method="post" action="/preview" enctype="multipart/form-data">`)
		p.raw(`<p><label>File <input type="file" name="file" required></label></p>`)
		p.raw(`<p><label>Encoding <input type="text" name="encoding" placeholder="auto"></label> `)
		p.raw(`<label>Delimiter <input type="text" name="delimiter" size="3" placeholder="auto"></label> `)
		p.raw(`<label><input type="checkbox" name="skip_first_line" value="true"> Skip title line</label></p>`)
		p.raw(`<p><label>Mappings (JSON)<br><textarea name="mappings" rows="8" cols="80"></textarea></label></p>`)
		p.raw(`<p><button type="submit">Preview</button></p></form>`)

		if len(tables) > 0 {
			p.raw(`<h2>Staging tables</h2><ul>`)
			for _, t := range tables {
				p.raw(`<li>`)
				p.text(t.Table)
				if t.Predefined {
					p.raw(` <small>(predefined schema)</small>`)
				}
				p.raw(`</li>`)
			}
			p.raw(`</ul>`)
		}
		return p.err
	})
}

// ErrorAlert shows an operator-facing error.
func ErrorAlert(msg etl.UserMessage) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &page{w: w}
		p.raw(`<div class="error" role="alert"><strong>`)
		p.text(msg.Message)
		p.raw(`</strong>`)
		if msg.Action != "" {
			p.raw(`<p>`)
			p.text(msg.Action)
			p.raw(`</p>`)
		}
		p.raw(`<small>Code: `)
		p.text(msg.Code)
		p.raw(`</small></div>`)
		return p.err
	})
}

// Preview renders the transformed head with its quality report.
func Preview(resp etl.PreviewResponse) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &page{w: w}
		q := resp.Quality

		p.raw(`<section id="quality">`)
		p.printf("Rows: %d, valid: %d, empty: %d, quality score: %.2f%%",
			q.TotalRows, q.ValidRows, q.EmptyRows, q.DataQualityScore)
		for _, e := range q.Errors {
			p.raw(`<p class="error">`)
			p.text(e)
			p.raw(`</p>`)
		}
		for _, wn := range q.Warnings {
			p.raw(`<p class="warning">`)
			p.text(wn)
			p.raw(`</p>`)
		}
		p.raw(`</section>`)

		p.raw(`<table><thead><tr>`)
		for _, c := range resp.Columns {
			p.raw(`<th>`)
			p.text(c)
			p.raw(`</th>`)
		}
		p.raw(`</tr></thead><tbody>`)
		for _, row := range resp.Rows {
			p.raw(`<tr>`)
			for _, v := range row {
				p.raw(`<td>`)
				p.text(etl.FormatValue(v))
				p.raw(`</td>`)
			}
			p.raw(`</tr>`)
		}
		p.raw(`</tbody></table>`)

		if len(resp.Stats.MissingColumns) > 0 {
			p.raw(`<p class="warning">Missing source columns: `)
			for i, c := range resp.Stats.MissingColumns {
				if i > 0 {
					p.raw(", ")
				}
				p.text(c)
			}
			p.raw(`</p>`)
		}
		return p.err
	})
}
