package cache

import (
	"net/url"
	"testing"
)

type searchParams struct {
	DB      string `url:"db"`
	Term    string `url:"term"`
	RetMode string `url:"retmode,omitempty"`
	RetMax  int    `url:"retmax,omitempty"`
}

func TestFingerprintCanonicalization(t *testing.T) {
	base := Fingerprint("GET", "https://eutils.ncbi.nlm.nih.gov/esearch.fcgi", url.Values{"db": {"pubmed"}, "term": {"DOI"}}, nil)

	tests := []struct {
		name   string
		method string
		url    string
		params url.Values
		body   []byte
		same   bool
	}{
		{name: "params in url", method: "get", url: "https://eutils.ncbi.nlm.nih.gov/esearch.fcgi?term=DOI&db=pubmed", same: true},
		{name: "host case", method: "GET", url: "https://EUTILS.ncbi.nlm.nih.gov/esearch.fcgi", params: url.Values{"term": {"DOI"}, "db": {"pubmed"}}, same: true},
		{name: "different term", method: "GET", url: "https://eutils.ncbi.nlm.nih.gov/esearch.fcgi", params: url.Values{"db": {"pubmed"}, "term": {"LSD"}}, same: false},
		{name: "different method", method: "POST", url: "https://eutils.ncbi.nlm.nih.gov/esearch.fcgi", params: url.Values{"db": {"pubmed"}, "term": {"DOI"}}, same: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Fingerprint(tt.method, tt.url, tt.params, tt.body)
			if (got == base) != tt.same {
				t.Fatalf("fingerprint equality = %v, want %v", got == base, tt.same)
			}
			if len(got) != 64 {
				t.Fatalf("fingerprint length = %d, want 64", len(got))
			}
		})
	}
}

func TestFingerprintJSONBodyKeyOrder(t *testing.T) {
	a := Fingerprint("POST", "https://x.test/q", nil, []byte(`{"b":2,"a":1}`))
	b := Fingerprint("POST", "https://x.test/q", nil, []byte(`{ "a": 1, "b": 2 }`))
	if a != b {
		t.Fatal("JSON bodies with different key order produced different fingerprints")
	}
	c := Fingerprint("POST", "https://x.test/q", nil, []byte(`{"a":1,"b":3}`))
	if a == c {
		t.Fatal("different JSON bodies produced the same fingerprint")
	}
}

func TestFingerprintJSONBodyNumberPrecision(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{name: "integers beyond float64", a: `{"cid":9007199254740993}`, b: `{"cid":9007199254740992}`},
		{name: "nested array", a: `{"ids":[12345678901234567891]}`, b: `{"ids":[12345678901234567890]}`},
		{name: "long decimal", a: `{"mw":0.30000000000000001}`, b: `{"mw":0.3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa := Fingerprint("POST", "https://x.test/q", nil, []byte(tt.a))
			fb := Fingerprint("POST", "https://x.test/q", nil, []byte(tt.b))
			if fa == fb {
				t.Fatalf("%s and %s share a fingerprint", tt.a, tt.b)
			}
		})
	}

	spaced := Fingerprint("POST", "https://x.test/q", nil, []byte(`{ "cid" : 9007199254740993 }`))
	if spaced != Fingerprint("POST", "https://x.test/q", nil, []byte(`{"cid":9007199254740993}`)) {
		t.Fatal("whitespace changed the fingerprint of a large integer body")
	}
}

func TestParams(t *testing.T) {
	fromStruct, err := Params(searchParams{DB: "pubmed", Term: "DOI", RetMode: "json", RetMax: 10})
	if err != nil {
		t.Fatalf("Params(struct) error = %v", err)
	}
	fromMap, err := Params(map[string]string{"db": "pubmed", "term": "DOI", "retmode": "json", "retmax": "10"})
	if err != nil {
		t.Fatalf("Params(map) error = %v", err)
	}
	if fromStruct.Encode() != fromMap.Encode() {
		t.Fatalf("struct params %q != map params %q", fromStruct.Encode(), fromMap.Encode())
	}

	if _, err := Params(42); err == nil {
		t.Fatal("expected error for unsupported params type")
	}
	if v, err := Params(nil); err != nil || len(v) != 0 {
		t.Fatalf("Params(nil) = %v, %v", v, err)
	}
}
