// Package normalizer converts raw, method-specific discovery records into
// canonical resources.
package normalizer

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/tally/pkg/resource"
)

// ErrMalformedRecord is returned when a record has neither an id nor a type.
var ErrMalformedRecord = errors.New("malformed record")

// TablesVersion is the extraction table format this package understands.
const TablesVersion = 1

// DefaultMethod names the table used for methods without their own entry.
const DefaultMethod = "default"

//go:embed tables.yaml
var defaultTables []byte

// tableFile is the on-disk shape of tables.yaml.
type tableFile struct {
	Version         int               `yaml:"version"`
	GlobalServices  []string          `yaml:"global_services"`
	ARNDefaultTypes map[string]string `yaml:"arn_default_types"`
	TypeAliases     map[string]string `yaml:"type_aliases"`
	Methods         map[string]Table  `yaml:"methods"`
}

// RawRecord is one fetched record tagged with where it came from.
type RawRecord struct {
	Method string
	Region string
	Data   map[string]any
}

// BatchStats counts the outcome of NormalizeBatch.
type BatchStats struct {
	Total           int
	Normalized      int
	Skipped         int
	SkippedByMethod map[string]int
}

// Normalizer turns raw records into canonical resources.
type Normalizer struct {
	extractors      map[string]Extractor
	fallback        Extractor
	globalServices  map[string]bool
	arnDefaultTypes map[string]string
	typeAliases     map[string]string
}

// New returns a Normalizer using the embedded extraction tables.
func New() (*Normalizer, error) {
	return NewFromYAML(defaultTables)
}

// NewFromYAML builds a Normalizer from an extraction table document.
func NewFromYAML(data []byte) (*Normalizer, error) {
	var tf tableFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse extraction tables: %w", err)
	}
	if tf.Version != TablesVersion {
		return nil, fmt.Errorf("unsupported extraction table version %d (want %d)", tf.Version, TablesVersion)
	}
	def, ok := tf.Methods[DefaultMethod]
	if !ok {
		return nil, fmt.Errorf("extraction tables missing %q method", DefaultMethod)
	}

	n := &Normalizer{
		extractors:      make(map[string]Extractor, len(tf.Methods)),
		fallback:        NewTableExtractor(def),
		globalServices:  make(map[string]bool, len(tf.GlobalServices)),
		arnDefaultTypes: make(map[string]string, len(tf.ARNDefaultTypes)),
		typeAliases:     tf.TypeAliases,
	}
	for method, table := range tf.Methods {
		n.extractors[method] = NewTableExtractor(table)
	}
	for _, svc := range tf.GlobalServices {
		n.globalServices[UpperSnake(svc)] = true
	}
	for svc, typ := range tf.ARNDefaultTypes {
		n.arnDefaultTypes[strings.ToLower(svc)] = typ
	}
	return n, nil
}

// Register overrides or adds the extractor for a discovery method.
func (n *Normalizer) Register(method string, e Extractor) {
	n.extractors[method] = e
}

// Methods returns the discovery methods with a dedicated extractor.
func (n *Normalizer) Methods() []string {
	out := make([]string, 0, len(n.extractors))
	for m := range n.extractors {
		if m != DefaultMethod {
			out = append(out, m)
		}
	}
	return out
}

func (n *Normalizer) extractor(method string) Extractor {
	if e, ok := n.extractors[method]; ok {
		return e
	}
	return n.fallback
}

// Normalize converts one raw record. It returns ErrMalformedRecord when the
// record cannot be minimally classified.
func (n *Normalizer) Normalize(raw map[string]any, method, region string) (resource.Resource, error) {
	f := n.extractor(method).Extract(raw)

	q := parseQualified(f.ARN)

	id := f.ID
	if id == "" && q.valid {
		id = q.id
	}

	service, typ := splitTypeString(f.Type)
	if f.Service != "" {
		service = f.Service
	}
	if service == "" && q.valid {
		service = q.service
	}
	if typ == "" && q.valid {
		typ = q.typ
		if typ == "" {
			typ = n.arnDefaultTypes[strings.ToLower(q.service)]
		}
	}

	service = UpperSnake(service)
	typ = MixedCase(typ)
	if alias, ok := n.typeAliases[service+"/"+typ]; ok {
		typ = alias
	}

	if id == "" {
		id = f.Name
	}
	if id == "" && typ == "" {
		return resource.Resource{}, fmt.Errorf("%w: no id, name or type from method %q", ErrMalformedRecord, method)
	}
	if id == "" {
		id = syntheticID(typ, raw)
	}
	if service == "" {
		service = resource.Unknown
	}
	if typ == "" {
		typ = resource.Unknown
	}

	account := f.Account
	if account == "" && q.valid {
		account = q.account
	}

	resolved, regionKnown := n.resolveRegion(f.Region, q.region, region, service)
	r := resource.Resource{
		ID:         id,
		Type:       typ,
		Service:    service,
		Region:     resolved,
		AccountID:  account,
		ARN:        f.ARN,
		Name:       f.Name,
		Tags:       f.Tags,
		Attributes: leftovers(raw, f.Consumed),
		Provenance: []string{method},
	}
	if r.Tags == nil {
		r.Tags = map[string]string{}
	}
	if r.Name == "" {
		r.Name = r.Tags["Name"]
	}
	r.Confidence = confidence(r, regionKnown)
	return r, nil
}

// NormalizeBatch normalizes many records, skipping malformed ones.
func (n *Normalizer) NormalizeBatch(records []RawRecord) ([]resource.Resource, BatchStats) {
	stats := BatchStats{Total: len(records), SkippedByMethod: make(map[string]int)}
	out := make([]resource.Resource, 0, len(records))

	for _, rec := range records {
		r, err := n.Normalize(rec.Data, rec.Method, rec.Region)
		if err != nil {
			stats.Skipped++
			stats.SkippedByMethod[rec.Method]++
			log.Debug().
				Err(err).
				Str("method", rec.Method).
				Str("region", rec.Region).
				Msg("skipping record")
			continue
		}
		out = append(out, r)
	}
	stats.Normalized = len(out)

	if stats.Skipped > 0 {
		log.Warn().
			Int("skipped", stats.Skipped).
			Int("total", stats.Total).
			Msg("malformed records skipped during normalization")
	}
	return out, stats
}

// resolveRegion reports false when no source supplied a region and the
// result is only the "global" fallback.
func (n *Normalizer) resolveRegion(fromRecord, fromARN, fromCaller, service string) (string, bool) {
	if n.globalServices[service] {
		return resource.GlobalRegion, true
	}
	for _, r := range []string{fromRecord, fromARN, fromCaller} {
		if r != "" {
			return strings.ToLower(r), true
		}
	}
	return resource.GlobalRegion, false
}

// confidence is the fraction of {id, type, service, tags, region, account}
// that carry a value. A fallback region does not count.
func confidence(r resource.Resource, regionKnown bool) float64 {
	populated := 0
	for _, ok := range []bool{
		r.ID != "",
		r.Type != "" && r.Type != resource.Unknown,
		r.Service != "" && r.Service != resource.Unknown,
		len(r.Tags) > 0,
		regionKnown,
		r.AccountID != "",
	} {
		if ok {
			populated++
		}
	}
	return float64(populated) / 6
}

type qualified struct {
	valid   bool
	service string
	region  string
	account string
	typ     string
	id      string
}

// parseQualified splits scheme:partition:service:region:account:resource.
func parseQualified(s string) qualified {
	if s == "" {
		return qualified{}
	}
	if arn.IsARN(s) {
		a, err := arn.Parse(s)
		if err == nil {
			typ, id := splitResource(a.Resource)
			return qualified{valid: true, service: a.Service, region: a.Region, account: a.AccountID, typ: typ, id: id}
		}
	}
	parts := strings.SplitN(s, ":", 6)
	if len(parts) < 6 {
		return qualified{}
	}
	typ, id := splitResource(parts[5])
	return qualified{valid: true, service: parts[2], region: parts[3], account: parts[4], typ: typ, id: id}
}

// splitResource splits the resource part on "/" and then ":"; the last
// segment is the id and the first (when there are several) is the type.
func splitResource(res string) (typ, id string) {
	segs := strings.Split(res, "/")
	if len(segs) == 1 {
		segs = strings.Split(res, ":")
	}
	id = segs[len(segs)-1]
	if len(segs) > 1 {
		typ = segs[0]
		if i := strings.Index(typ, ":"); i >= 0 {
			typ = typ[:i]
		}
	}
	return typ, id
}

// splitTypeString understands "AWS::EC2::Instance", "ec2:instance" and bare types.
func splitTypeString(s string) (service, typ string) {
	if s == "" {
		return "", ""
	}
	if strings.Contains(s, "::") {
		parts := strings.Split(s, "::")
		if len(parts) >= 3 {
			return parts[1], parts[len(parts)-1]
		}
		return "", parts[len(parts)-1]
	}
	if i := strings.Index(s, ":"); i >= 0 {
		return s[:i], s[strings.LastIndex(s, ":")+1:]
	}
	return "", s
}

// UpperSnake normalizes service names: "elastic-load-balancing" -> "ELASTIC_LOAD_BALANCING".
func UpperSnake(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '.', '/':
			return '_'
		}
		return unicode.ToUpper(r)
	}, s)
}

// MixedCase normalizes type names: "security-group" -> "SecurityGroup".
// Existing inner capitals are preserved ("DBInstance" stays as is).
func MixedCase(s string) string {
	parts := strings.FieldsFunc(strings.TrimSpace(s), func(r rune) bool {
		return r == '-' || r == '_' || r == ' ' || r == '.'
	})
	var b strings.Builder
	for _, p := range parts {
		runes := []rune(p)
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}
	return b.String()
}

func leftovers(raw map[string]any, consumed map[string]bool) map[string]any {
	out := make(map[string]any)
	for k, v := range raw {
		if consumed[k] {
			continue
		}
		out[k] = v
	}
	out = resource.CloneAttributes(out)
	for path := range consumed {
		if strings.Contains(path, ".") {
			removePath(out, strings.Split(path, "."))
		}
	}
	return out
}

// removePath deletes the leaf of a nested path from attrs, which must already
// be a private copy.
func removePath(attrs map[string]any, parts []string) {
	for len(parts) > 1 {
		next, ok := attrs[parts[0]].(map[string]any)
		if !ok {
			return
		}
		attrs, parts = next, parts[1:]
	}
	delete(attrs, parts[0])
}

// syntheticID derives a stable id from the record contents when no
// identifier is present but the type is known.
func syntheticID(typ string, raw map[string]any) string {
	// json.Marshal sorts map keys, so equal records hash equally.
	data, _ := json.Marshal(raw)
	sum := sha256.Sum256(data)
	return strings.ToLower(typ) + "-" + hex.EncodeToString(sum[:])[:12]
}
