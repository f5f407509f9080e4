package enginecore

import "testing"

func TestValidateKey(t *testing.T) {
	cases := []struct {
		key string
		ok  bool
	}{
		{"", false},
		{"plain-key", true},
		{"has:colon", false},
		{"has{brace}", false},
		{"has(paren)", false},
		{"has/slash", false},
		{"has@at", false},
		{`has"quote`, false},
		{string(make([]byte, 251)), false},
		{string(make([]byte, 250)), true},
	}
	for _, c := range cases {
		err := ValidateKey(c.key)
		if (err == nil) != c.ok {
			t.Errorf("ValidateKey(%q) error=%v, want ok=%v", c.key, err, c.ok)
		}
	}
}

func TestEntryExpired(t *testing.T) {
	e := Entry{ExpiresAt: 0}
	if e.Expired(1000) {
		t.Fatal("ExpiresAt == 0 must never expire")
	}
	e = Entry{ExpiresAt: 100}
	if !e.Expired(100) {
		t.Fatal("now == ExpiresAt must be expired")
	}
	if e.Expired(99) {
		t.Fatal("now < ExpiresAt must not be expired")
	}
}

func TestEstimatedSize(t *testing.T) {
	s := EstimatedSize("k", []byte("value"))
	if s != uint64(len("k")+len("value"))+MetadataOverhead {
		t.Fatalf("unexpected size: %d", s)
	}
}
