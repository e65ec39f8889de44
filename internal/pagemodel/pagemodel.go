// Package pagemodel extracts leaderboard rows from rendered HTML with CSS selectors.
package pagemodel

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
)

// Field selectors are evaluated relative to each row. An Attr, when set, is read
// instead of the element text.
type Field struct {
	Selector string `mapstructure:"selector"`
	Attr     string `mapstructure:"attr"`
}

// Config maps the page's markup onto record fields.
type Config struct {
	Row   string `mapstructure:"row"`
	Rank  Field  `mapstructure:"rank"`
	Name  Field  `mapstructure:"name"`
	Clan  Field  `mapstructure:"clan"`
	Class Field  `mapstructure:"class"`
	Power Field  `mapstructure:"power"`
}

// DefaultConfig matches a plain ranking table.
func DefaultConfig() Config {
	return Config{
		Row:   "table.ranking tbody tr",
		Rank:  Field{Selector: "td.rank"},
		Name:  Field{Selector: "td.name"},
		Clan:  Field{Selector: "td.clan"},
		Class: Field{Selector: "td.class"},
		Power: Field{Selector: "td.power"},
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Row) == "" {
		errs = append(errs, errors.New("pagemodel.row is required"))
	}
	for name, f := range c.fields() {
		if strings.TrimSpace(f.Selector) == "" && f.Attr == "" {
			errs = append(errs, fmt.Errorf("pagemodel.%s needs a selector or attr", name))
		}
	}
	return errors.Join(errs...)
}

func (c Config) fields() map[string]Field {
	return map[string]Field{
		leaderboard.FieldRank:          c.Rank,
		leaderboard.FieldCharacterName: c.Name,
		leaderboard.FieldClanName:      c.Clan,
		leaderboard.FieldClassTag:      c.Class,
		leaderboard.FieldPowerScore:    c.Power,
	}
}

// Model implements leaderboard.PageModel.
type Model struct {
	cfg    Config
	fields map[string]Field
}

// New creates a Model.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Model{cfg: cfg, fields: cfg.fields()}, nil
}

// Parse returns one RawRecord per row in document order. Numeric cells are parsed
// into int64 when they are plain integers; everything else is left as text for the
// validation pipeline. Empty cells are omitted.
func (m *Model) Parse(content []byte) ([]leaderboard.RawRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	rows := doc.Find(m.cfg.Row)
	out := make([]leaderboard.RawRecord, 0, rows.Length())
	rows.Each(func(_ int, row *goquery.Selection) {
		rec := make(leaderboard.RawRecord, len(m.fields))
		for name, f := range m.fields {
			value, ok := extract(row, f)
			if !ok {
				continue
			}
			if name == leaderboard.FieldRank || name == leaderboard.FieldPowerScore {
				if n, err := strconv.ParseInt(value, 10, 64); err == nil {
					rec[name] = n
					continue
				}
			}
			rec[name] = value
		}
		if len(rec) > 0 {
			out = append(out, rec)
		}
	})
	return out, nil
}

func extract(row *goquery.Selection, f Field) (string, bool) {
	sel := row
	if f.Selector != "" {
		sel = row.Find(f.Selector).First()
		if sel.Length() == 0 {
			return "", false
		}
	}
	var value string
	if f.Attr != "" {
		v, ok := sel.Attr(f.Attr)
		if !ok {
			return "", false
		}
		value = v
	} else {
		value = sel.Text()
	}
	value = strings.Join(strings.Fields(value), " ")
	return value, value != ""
}
