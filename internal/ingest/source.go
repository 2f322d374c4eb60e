// Package ingest normalizes external measurement payloads into canonical records and
// feeds them to the record store.
package ingest

import (
	"fmt"
	"strings"

	"github.com/celerix-dev/celerix-spc/pkg/schema"
)

// Kind names an ingestion source.
type Kind string

const (
	KindManual   Kind = "manual"
	KindAPI      Kind = "api"
	KindGateway  Kind = "gateway"
	KindPlatform Kind = "platform"
	KindWebhook  Kind = "webhook"
	KindFile     Kind = "file"
)

// Kinds lists every source kind.
func Kinds() []Kind {
	return []Kind{KindManual, KindAPI, KindGateway, KindPlatform, KindWebhook, KindFile}
}

// Source converts one raw payload into canonical records. The set of implementations is
// closed to this package.
type Source interface {
	Kind() Kind
	// Transform validates the whole payload before returning any record.
	Transform(raw []byte) ([]schema.MeasurementRecord, error)
	sealed()
}

// ForKind returns the default Source for kind.
func ForKind(kind Kind) (Source, error) {
	switch Kind(strings.ToLower(string(kind))) {
	case KindManual:
		return Manual{}, nil
	case KindAPI:
		return API{}, nil
	case KindGateway:
		return Gateway{}, nil
	case KindPlatform:
		return Platform{}, nil
	case KindWebhook:
		return Webhook{}, nil
	case KindFile:
		return File{}, nil
	}
	return nil, fmt.Errorf("%w: unknown source kind %q", schema.ErrMalformedSource, kind)
}

// Manual is a single operator-entered record, or an array of them.
type Manual struct{}

var manualAliases = canonical.with(aliases{
	recipe:     []string{"recipe_id"},
	batch:      []string{"batch_no"},
	sampleSize: []string{"sample_size"},
})

func (Manual) Kind() Kind { return KindManual }
func (Manual) sealed()    {}

func (Manual) Transform(raw []byte) ([]schema.MeasurementRecord, error) {
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, err
	}
	var objs []map[string]any
	switch t := v.(type) {
	case map[string]any:
		objs = []map[string]any{t}
	case []any:
		if objs, err = objects(t, "manual entries"); err != nil {
			return nil, err
		}
	default:
		return nil, malformed("manual entry must be an object")
	}
	return buildAll(KindManual, objs, manualAliases, fixedNotes("Manual entry"))
}

// API is a polled or pushed third-party feed with a records (or data) array.
type API struct{}

var apiAliases = canonical.with(aliases{
	recipe:       []string{"recipe", "product", "recipe_id"},
	batch:        []string{"batch", "batch_no", "lot"},
	timestamp:    []string{"time", "sampled_at"},
	measurements: []string{"values", "readings"},
	sampleSize:   []string{"sample_size"},
})

func (API) Kind() Kind { return KindAPI }
func (API) sealed()    {}

func (API) Transform(raw []byte) ([]schema.MeasurementRecord, error) {
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, malformed("api payload must be an object with a records array")
	}
	list, ok := lookup(obj, []string{"records", "data"})
	if !ok {
		return nil, malformed("api payload has no records array")
	}
	objs, err := objects(list, "records")
	if err != nil {
		return nil, err
	}
	return buildAll(KindAPI, objs, apiAliases, fixedNotes("Imported from API"))
}

// Gateway is a device telemetry envelope. The device id may sit on the envelope or on each
// reading.
type Gateway struct{}

var gatewayAliases = canonical.with(aliases{
	recipe:       []string{"recipe", "recipe_id"},
	batch:        []string{"batch", "batch_no"},
	timestamp:    []string{"ts"},
	measurements: []string{"readings"},
})

var deviceKeys = []string{"device_id", "deviceId"}

func (Gateway) Kind() Kind { return KindGateway }
func (Gateway) sealed()    {}

func (Gateway) Transform(raw []byte) ([]schema.MeasurementRecord, error) {
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, malformed("gateway payload must be an object with a telemetry array")
	}
	list, ok := lookup(obj, []string{"telemetry"})
	if !ok {
		return nil, malformed("gateway payload has no telemetry array")
	}
	objs, err := objects(list, "telemetry")
	if err != nil {
		return nil, err
	}

	envelope := ""
	if d, ok := lookup(obj, deviceKeys); ok {
		envelope, _ = toString(d)
	}
	deviceOf := func(item map[string]any) string {
		if d, ok := lookup(item, deviceKeys); ok {
			s, _ := toString(d)
			return s
		}
		return envelope
	}
	for i, item := range objs {
		if deviceOf(item) == "" {
			return nil, malformed("gateway record %d: missing device id", i)
		}
	}

	recs, err := buildAll(KindGateway, objs, gatewayAliases, func(item map[string]any) string {
		return "Gateway device " + deviceOf(item)
	})
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].Operator == "" {
			recs[i].Operator = "device:" + deviceOf(objs[i])
		}
	}
	return recs, nil
}

// Platform is a data-platform export: dataset.rows with parameters as {name, value} pairs.
type Platform struct{}

var platformAliases = canonical.with(aliases{
	recipe:       []string{"recipe"},
	batch:        []string{"batch"},
	timestamp:    []string{"time"},
	measurements: []string{"parameters"},
})

func (Platform) Kind() Kind { return KindPlatform }
func (Platform) sealed()    {}

func (Platform) Transform(raw []byte) ([]schema.MeasurementRecord, error) {
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, malformed("platform payload must be an object with dataset.rows")
	}
	ds, ok := obj["dataset"].(map[string]any)
	if !ok {
		return nil, malformed("platform payload has no dataset object")
	}
	rows, ok := lookup(ds, []string{"rows"})
	if !ok {
		return nil, malformed("platform dataset has no rows array")
	}
	objs, err := objects(rows, "dataset.rows")
	if err != nil {
		return nil, err
	}
	return buildAll(KindPlatform, objs, platformAliases, fixedNotes("Synced from data platform"))
}

// Webhook is a pushed event whose data is one canonical record or a records array.
type Webhook struct{}

func (Webhook) Kind() Kind { return KindWebhook }
func (Webhook) sealed()    {}

func (Webhook) Transform(raw []byte) ([]schema.MeasurementRecord, error) {
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, malformed("webhook payload must be an object")
	}
	data, ok := obj["data"].(map[string]any)
	if !ok {
		return nil, malformed("webhook payload has no data object")
	}
	objs := []map[string]any{data}
	if list, ok := data["records"]; ok {
		if objs, err = objects(list, "data.records"); err != nil {
			return nil, err
		}
	}
	return buildAll(KindWebhook, objs, canonical, fixedNotes("Received via webhook"))
}

// File is an uploaded CSV or JSON document.
type File struct {
	// Delimiter separates CSV fields; zero means comma.
	Delimiter rune
}

var fileAliases = apiAliases.with(aliases{
	batch: []string{"batch_no"},
})

func (File) Kind() Kind { return KindFile }
func (File) sealed()    {}

func (f File) Transform(raw []byte) ([]schema.MeasurementRecord, error) {
	body := trimBOM(raw)
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, malformed("file is empty")
	}
	var objs []map[string]any
	var err error
	if trimmed[0] == '{' || trimmed[0] == '[' {
		objs, err = jsonFileObjects([]byte(trimmed))
	} else {
		objs, err = csvObjects(body, f.Delimiter)
	}
	if err != nil {
		return nil, err
	}
	return buildAll(KindFile, objs, fileAliases, fixedNotes("Imported from file"))
}

// jsonFileObjects accepts a bare array, an export bundle's data array, or a records array.
func jsonFileObjects(raw []byte) ([]map[string]any, error) {
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case []any:
		return objects(t, "file")
	case map[string]any:
		if list, ok := lookup(t, []string{"data", "records"}); ok {
			return objects(list, "file records")
		}
	}
	return nil, malformed("JSON file needs an array, a data array or a records array")
}
