package client

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Both systems have shipped several response shapes over the years. Every
// accepted spelling of a field lives in this file so that the parsers never
// guess.

// alias maps a canonical field to the names each system uses
type alias struct {
	canonical     string
	manufacturing string   // name sent to and read from the manufacturing system
	accounting    string   // name sent to and read from the accounting system
	variants      []string // other spellings accepted when reading
}

func (a alias) names() []string {
	names := []string{a.canonical, a.manufacturing, a.accounting}
	return append(names, a.variants...)
}

func (a alias) wireName(system string) string {
	switch system {
	case SystemManufacturing:
		return a.manufacturing
	case SystemAccounting:
		return a.accounting
	default:
		return a.canonical
	}
}

var (
	keyAlias = alias{
		canonical: "key", manufacturing: "sku", accounting: "kartKodu",
		variants: []string{"code", "stokKartKodu", "skartKod", "productCode", "SKU"},
	}
	idAlias = alias{
		canonical: "id", manufacturing: "id", accounting: "skartId",
		variants: []string{"finansalNesneId", "stokKartId", "ID", "Id"},
	}
	updatedAtAlias = alias{
		canonical: "updatedAt", manufacturing: "updated_at", accounting: "guncellemeTarihi",
		variants: []string{"updateDate", "modifiedAt", "lastModified", "modified_at"},
	}
)

// fieldAliases covers the reconcilable entity fields. Fields not listed here
// are read and written under their canonical name.
var fieldAliases = []alias{
	{
		canonical: "name", manufacturing: "name", accounting: "kartAdi",
		variants: []string{"stokKartAdi", "tanim", "productName", "title"},
	},
	{
		canonical: "price", manufacturing: "sales_price", accounting: "birimFiyat",
		variants: []string{"salesPrice", "unitPrice", "perakendeSatisBirimFiyat", "default_sales_price"},
	},
	{
		canonical: "barcode", manufacturing: "barcode", accounting: "barkod",
		variants: []string{"ean", "gtin", "barcodeNo"},
	},
	{
		canonical: "category", manufacturing: "category", accounting: "kategoriAgacKod",
		variants: []string{"kategori", "categoryName", "category_name", "productCategory"},
	},
}

// listWrappers are the object keys a list response may nest its items under
var listWrappers = []string{"data", "list", "items", "results", "stkSkartList", "data.list", "data.items"}

// sessionFields hold the session handle in a login response
var sessionFields = []string{"sessionId", "session_id", "token", "jsessionid", "JSESSIONID", "data.sessionId", "data.token"}

// acceptedFields hold the accepted record count in a push response
var acceptedFields = []string{"accepted", "acceptedCount", "successCount", "basariliSayisi", "data.accepted", "data.successCount"}

// messageFields hold a human-readable message
var messageFields = []string{"message", "mesaj", "errorMessage", "error_description", "detail", "data.message"}

// successFields hold an explicit success flag
var successFields = []string{"success", "basarili", "ok", "data.success"}

// errorCodeFields hold an error code that may signal a lost session
var errorCodeFields = []string{"code", "error", "errorCode", "error_code"}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02.01.2006 15:04:05",
	"02.01.2006",
}

// lookup returns the first of names present and non-null in res
func lookup(res gjson.Result, names ...string) (gjson.Result, bool) {
	for _, name := range names {
		if name == "" {
			continue
		}
		if v := res.Get(name); v.Exists() && v.Type != gjson.Null {
			return v, true
		}
	}
	return gjson.Result{}, false
}

func stringField(res gjson.Result, names ...string) Optional[string] {
	v, ok := lookup(res, names...)
	if !ok || v.IsObject() || v.IsArray() {
		return None[string]()
	}
	return Some(strings.TrimSpace(v.String()))
}

func numberField(res gjson.Result, names ...string) Optional[float64] {
	v, ok := lookup(res, names...)
	if !ok {
		return None[float64]()
	}
	switch v.Type {
	case gjson.Number:
		return Some(v.Float())
	case gjson.String:
		if f, err := parseNumber(v.Str); err == nil {
			return Some(f)
		}
	}
	return None[float64]()
}

func boolField(res gjson.Result, names ...string) Optional[bool] {
	v, ok := lookup(res, names...)
	if !ok {
		return None[bool]()
	}
	switch v.Type {
	case gjson.True, gjson.False:
		return Some(v.Bool())
	case gjson.String:
		if b, err := strconv.ParseBool(strings.TrimSpace(v.Str)); err == nil {
			return Some(b)
		}
	case gjson.Number:
		return Some(v.Int() != 0)
	}
	return None[bool]()
}

func timeField(res gjson.Result, names ...string) Optional[time.Time] {
	v, ok := lookup(res, names...)
	if !ok {
		return None[time.Time]()
	}
	switch v.Type {
	case gjson.Number:
		n := v.Int()
		if n > 1e12 {
			return Some(time.UnixMilli(n).UTC())
		}
		return Some(time.Unix(n, 0).UTC())
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return Some(t.UTC())
			}
		}
	}
	return None[time.Time]()
}

// parseNumber accepts both "12.50" and "12,50"
func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ",") && !strings.Contains(s, ".") {
		s = strings.ReplaceAll(s, ",", ".")
	}
	return strconv.ParseFloat(s, 64)
}

// value converts a JSON value to the Go value stored in Entity.Fields
func value(v gjson.Result) any {
	switch v.Type {
	case gjson.Null:
		return nil
	case gjson.True, gjson.False:
		return v.Bool()
	case gjson.Number:
		return v.Float()
	case gjson.String:
		return v.Str
	default:
		return v.Value()
	}
}

// parseEntity reads one entity object. A missing key yields an entity with
// an empty Key; callers decide whether that is acceptable.
func parseEntity(obj gjson.Result) (Entity, error) {
	if !obj.IsObject() {
		return Entity{}, fmt.Errorf("entity is not a JSON object: %.80s", obj.Raw)
	}

	e := Entity{
		Key:       stringField(obj, keyAlias.names()...).OrElse(""),
		ID:        stringField(obj, idAlias.names()...).OrElse(""),
		UpdatedAt: timeField(obj, updatedAtAlias.names()...).OrElse(time.Time{}),
		Fields:    make(map[string]any),
	}

	consumed := make(map[string]bool)
	for _, a := range []alias{keyAlias, idAlias, updatedAtAlias} {
		for _, n := range a.names() {
			consumed[n] = true
		}
	}

	for _, a := range fieldAliases {
		for _, n := range a.names() {
			consumed[n] = true
		}
		if v, ok := lookupPresent(obj, a.names()...); ok {
			e.Fields[a.canonical] = value(v)
		}
	}

	obj.ForEach(func(k, v gjson.Result) bool {
		if !consumed[k.Str] {
			e.Fields[k.Str] = value(v)
		}
		return true
	})
	return e, nil
}

// lookupPresent is lookup that also accepts explicit nulls
func lookupPresent(res gjson.Result, names ...string) (gjson.Result, bool) {
	if v, ok := lookup(res, names...); ok {
		return v, true
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		if v := res.Get(name); v.Exists() {
			return v, true
		}
	}
	return gjson.Result{}, false
}

// parseEntityList reads a list response: a bare array or an object that
// nests the array under one of listWrappers
func parseEntityList(body []byte) ([]Entity, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("list response is not valid JSON: %.80s", body)
	}

	root := gjson.ParseBytes(body)
	items := root
	if !root.IsArray() {
		found := false
		for _, w := range listWrappers {
			if v := root.Get(w); v.IsArray() {
				items, found = v, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("list response has no recognised item array: %.80s", body)
		}
	}

	var out []Entity
	for _, item := range items.Array() {
		e, err := parseEntity(item)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// parseSingleEntity reads a response holding one entity, possibly wrapped
// in "data" or a one-element list
func parseSingleEntity(body []byte) (Entity, error) {
	if !gjson.ValidBytes(body) {
		return Entity{}, fmt.Errorf("entity response is not valid JSON: %.80s", body)
	}

	root := gjson.ParseBytes(body)
	if v := root.Get("data"); v.IsObject() {
		return parseEntity(v)
	}
	if root.IsObject() {
		if _, ok := lookup(root, keyAlias.names()...); ok {
			return parseEntity(root)
		}
	}

	list, err := parseEntityList(body)
	if err != nil {
		if root.IsObject() {
			// e.g. {"success":true,"data":null}
			return Entity{}, ErrNotFound
		}
		return Entity{}, err
	}
	if len(list) == 0 {
		return Entity{}, ErrNotFound
	}
	return list[0], nil
}

// encodeFields renames canonical fields to what system expects
func encodeFields(system string, fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[wireName(system, k)] = v
	}
	return out
}

func wireName(system, canonical string) string {
	for _, a := range fieldAliases {
		if a.canonical == canonical {
			return a.wireName(system)
		}
	}
	return canonical
}

// responseMessage extracts a message from an error or status body
func responseMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		if m, ok := stringField(gjson.ParseBytes(body), messageFields...).Get(); ok && m != "" {
			return m
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
