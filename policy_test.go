package sase

import (
	"reflect"
	"sync"
	"testing"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		name    string
		domains []string
		host    string
		want    bool
	}{
		{"exact", []string{"tiktok.com"}, "tiktok.com", true},
		{"subdomain", []string{"tiktok.com"}, "www.tiktok.com", true},
		{"substring anywhere", []string{"tok"}, "tiktok.com", true},
		{"suffix lookalike matches", []string{"tiktok.com"}, "nottiktok.com.evil", true},
		{"case sensitive", []string{"tiktok.com"}, "TIKTOK.COM", false},
		{"no match", []string{"tiktok.com"}, "example.com", false},
		{"empty list", nil, "example.com", false},
		{"empty domain matches all", []string{""}, "example.com", true},
		{"unknown host", []string{"unknown"}, UnknownHost, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.domains, tt.host); got != tt.want {
				t.Errorf("Matches(%v, %q) = %v, want %v", tt.domains, tt.host, got, tt.want)
			}
		})
	}
}

func TestPolicyConfig_Clone(t *testing.T) {
	p := PolicyConfig{BlockedDomains: []string{"a.com"}, StatsBlockedToday: 2}
	c := p.Clone()

	c.BlockedDomains[0] = "b.com"
	if p.BlockedDomains[0] != "a.com" {
		t.Error("Clone must not share the domain slice")
	}
	if c.StatsBlockedToday != 2 {
		t.Errorf("StatsBlockedToday = %d, want 2", c.StatsBlockedToday)
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if !reflect.DeepEqual(p.BlockedDomains, []string{"tiktok.com"}) {
		t.Errorf("BlockedDomains = %v, want [tiktok.com]", p.BlockedDomains)
	}
	if p.StatsBlockedToday != 0 {
		t.Errorf("StatsBlockedToday = %d, want 0", p.StatsBlockedToday)
	}
}

func TestPolicyStore_ClassifyAndCount(t *testing.T) {
	s := NewPolicyStore(DefaultPolicy())

	if got := s.ClassifyAndCount("www.tiktok.com"); got != ActionBlock {
		t.Errorf("www.tiktok.com = %s, want BLOCK", got)
	}
	if got := s.ClassifyAndCount("example.com"); got != ActionAllow {
		t.Errorf("example.com = %s, want ALLOW", got)
	}
	if got := s.BlockedCount(); got != 1 {
		t.Errorf("BlockedCount = %d, want 1", got)
	}
}

func TestPolicyStore_EmptyHostIsUnknown(t *testing.T) {
	s := NewPolicyStore(PolicyConfig{BlockedDomains: []string{"unknown"}})

	if got := s.ClassifyAndCount(""); got != ActionBlock {
		t.Errorf("empty host = %s, want BLOCK via %q", got, UnknownHost)
	}
}

func TestPolicyStore_ReadIsSnapshot(t *testing.T) {
	s := NewPolicyStore(DefaultPolicy())

	p := s.Read()
	p.BlockedDomains[0] = "mutated"

	if got := s.Read().BlockedDomains[0]; got != "tiktok.com" {
		t.Errorf("store modified through a snapshot: %q", got)
	}
}

func TestPolicyStore_ReplaceIsWholesale(t *testing.T) {
	s := NewPolicyStore(DefaultPolicy())
	s.ClassifyAndCount("tiktok.com")
	s.ClassifyAndCount("tiktok.com")

	next := PolicyConfig{BlockedDomains: []string{"facebook.com"}, StatsBlockedToday: 7}
	s.Replace(next)

	if got := s.Read(); !reflect.DeepEqual(got, next) {
		t.Errorf("Read = %+v, want %+v", got, next)
	}
	if got := s.ClassifyAndCount("tiktok.com"); got != ActionAllow {
		t.Errorf("old domain still blocked after replace")
	}
	if got := s.ClassifyAndCount("m.facebook.com"); got != ActionBlock {
		t.Errorf("new domain not blocked after replace")
	}
	if got := s.BlockedCount(); got != 8 {
		t.Errorf("BlockedCount = %d, want 8 (counter continues from replaced value)", got)
	}
}

func TestPolicyStore_ReplaceCopiesInput(t *testing.T) {
	domains := []string{"a.com"}
	s := NewPolicyStore(PolicyConfig{})
	s.Replace(PolicyConfig{BlockedDomains: domains})

	domains[0] = "b.com"
	if got := s.ClassifyAndCount("a.com"); got != ActionBlock {
		t.Error("store must not alias the caller's slice")
	}
}

func TestPolicyStore_ConcurrentCountsExact(t *testing.T) {
	s := NewPolicyStore(DefaultPolicy())

	const (
		workers = 16
		perW    = 250
	)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perW {
				if i%2 == 0 {
					s.ClassifyAndCount("www.tiktok.com")
				} else {
					s.ClassifyAndCount("example.com")
				}
			}
		}()
	}
	wg.Wait()

	want := uint64(workers / 2 * perW)
	if got := s.BlockedCount(); got != want {
		t.Errorf("BlockedCount = %d, want %d", got, want)
	}
}

func TestPolicyStore_ConcurrentReplaceAndClassify(t *testing.T) {
	s := NewPolicyStore(DefaultPolicy())
	a := PolicyConfig{BlockedDomains: []string{"a.com", "b.com"}}
	b := PolicyConfig{BlockedDomains: []string{"c.com"}}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := range 500 {
			if i%2 == 0 {
				s.Replace(a)
			} else {
				s.Replace(b)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for range 500 {
			s.ClassifyAndCount("a.com")
		}
	}()
	go func() {
		defer wg.Done()
		for range 500 {
			got := s.Read().BlockedDomains
			// Readers must only ever observe one of the complete policies.
			if !reflect.DeepEqual(got, a.BlockedDomains) &&
				!reflect.DeepEqual(got, b.BlockedDomains) &&
				!reflect.DeepEqual(got, []string{"tiktok.com"}) {
				t.Errorf("torn read: %v", got)
				return
			}
		}
	}()
	wg.Wait()
}
