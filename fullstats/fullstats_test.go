package fullstats

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"

	"dnssplit/arbiter"
	"dnssplit/namelist"
)

func TestNew_Disabled(t *testing.T) {
	tracker, err := New("", false)
	if err != nil {
		t.Fatalf("New(disabled): %v", err)
	}
	if tracker != nil {
		t.Error("New(disabled) should return nil tracker")
	}
	// nil trackers are inert
	tracker.Record(arbiter.Outcome{Name: "example.com."})
	if err := tracker.Close(); err != nil {
		t.Errorf("Close on nil tracker: %v", err)
	}
}

func TestNew_Enabled(t *testing.T) {
	dir := t.TempDir()
	tracker, err := New(dir, true)
	if err != nil {
		t.Fatalf("New(enabled): %v", err)
	}
	if tracker == nil {
		t.Fatal("New(enabled) returned nil tracker")
	}
	defer tracker.Close()

	dbPath := filepath.Join(dir, dbFileName)
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestRecordAndRead(t *testing.T) {
	dir := t.TempDir()
	tracker, err := New(dir, true)
	if err != nil {
		t.Fatal(err)
	}
	client := netip.MustParseAddrPort("192.168.1.10:40000")
	outcomes := []arbiter.Outcome{
		{Name: "google.com.", QType: dns.TypeA, Client: client, Match: namelist.Block, Verdict: arbiter.VerdictTrusted, Latency: 40 * time.Millisecond},
		{Name: "google.com.", QType: dns.TypeA, Client: client, Match: namelist.Block, Verdict: arbiter.VerdictTimeout, Latency: 5 * time.Second},
		{Name: "baidu.com.", QType: dns.TypeA, Client: client, Verdict: arbiter.VerdictUntrusted, Latency: 10 * time.Millisecond},
		{Name: "ipv6.example.", QType: dns.TypeAAAA, Client: client, Verdict: arbiter.VerdictRefused},
	}
	for _, o := range outcomes {
		tracker.Record(o)
	}
	// Close drains the queue before closing the database.
	if err := tracker.Close(); err != nil {
		t.Fatal(err)
	}

	tracker, err = New(dir, true)
	if err != nil {
		t.Fatal(err)
	}
	defer tracker.Close()

	ds, err := tracker.GetDomainStats(Key("google.com.", dns.TypeA))
	if err != nil || ds == nil {
		t.Fatalf("GetDomainStats = %v, %v", ds, err)
	}
	if ds.Count != 2 || ds.Verdicts["trusted"] != 1 || ds.Verdicts["timeout"] != 1 {
		t.Errorf("google.com stats = %+v", ds)
	}
	if ds.Match != namelist.Block.String() || ds.LatencyMs != 40 {
		t.Errorf("google.com match/latency = %s/%d", ds.Match, ds.LatencyMs)
	}

	cs, err := tracker.GetClientStats("192.168.1.10")
	if err != nil || cs == nil {
		t.Fatalf("GetClientStats = %v, %v", cs, err)
	}
	if cs.TypeCount["A"] != 3 || cs.TypeCount["AAAA"] != 1 || cs.Verdicts["refused"] != 1 {
		t.Errorf("client stats = %+v", cs)
	}

	all, err := tracker.GetAllDomains()
	if err != nil || len(all) != 3 {
		t.Errorf("GetAllDomains = %d entries, %v", len(all), err)
	}
	clients, err := tracker.GetAllClients()
	if err != nil || len(clients) != 1 {
		t.Errorf("GetAllClients = %d entries, %v", len(clients), err)
	}
	if missing, err := tracker.GetDomainStats("nothing.example.:A"); missing != nil || err != nil {
		t.Errorf("missing key = %v, %v", missing, err)
	}
}

func TestKey(t *testing.T) {
	if got := Key("example.com.", dns.TypeAAAA); got != "example.com.:AAAA" {
		t.Errorf("Key = %s", got)
	}
	if got := Key("example.com.", 65280); got != "example.com.:TYPE65280" {
		t.Errorf("Key for unknown type = %s", got)
	}
}
