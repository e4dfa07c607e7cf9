package linkanalysis

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type fakeIndex struct {
	byDevice map[string][]string
	byIP     map[string][]string
	err      error
}

func (f *fakeIndex) EntitiesByDevice(ctx context.Context, fp string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byDevice[fp], nil
}

func (f *fakeIndex) EntitiesByIP(ctx context.Context, ip string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byIP[ip], nil
}

type fakeStatus struct {
	statuses map[string]domain.EntityStatus
	err      error
	lookups  []string
}

func (f *fakeStatus) EntityStatus(ctx context.Context, id string) (domain.EntityStatus, bool, error) {
	f.lookups = append(f.lookups, id)
	if f.err != nil {
		return "", false, f.err
	}
	s, ok := f.statuses[id]
	return s, ok, nil
}

func txWith(device, ip string) *domain.Transaction {
	return &domain.Transaction{ID: "tx-9", MerchantID: "1", AmountCents: 100, DeviceFingerprint: device, IPAddress: ip}
}

func TestSharedDeviceWithBlockedEntity(t *testing.T) {
	index := &fakeIndex{byDevice: map[string][]string{"D1": {"1", "2"}}}
	status := &fakeStatus{statuses: map[string]domain.EntityStatus{
		"1": domain.EntityStatusActive,
		"2": domain.EntityStatusBlocked,
	}}
	a := NewAnalyzer(index, status, nil)

	ids, err := a.FindLinkedBlockedEntities(context.Background(), txWith("D1", ""), &domain.EntityContext{ID: "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"2"}) {
		t.Errorf("ids = %v, want [2]", ids)
	}
	for _, id := range status.lookups {
		if id == "1" {
			t.Error("self must not be looked up")
		}
	}
}

func TestOrderingAndDedup(t *testing.T) {
	index := &fakeIndex{
		byDevice: map[string][]string{"D1": {"7", "3"}},
		byIP:     map[string][]string{"10.0.0.1": {"3", "9", "007"}},
	}
	status := &fakeStatus{statuses: map[string]domain.EntityStatus{
		"3": domain.EntityStatusTerminated,
		"7": domain.EntityStatusBlocked,
		"9": domain.EntityStatusBlocked,
	}}
	a := NewAnalyzer(index, status, nil)

	links, err := a.Analyze(context.Background(), txWith("D1", "10.0.0.1"), &domain.EntityContext{ID: "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []string
	for _, l := range links {
		got = append(got, string(l.Attribute)+":"+l.MatchedEntity)
	}
	want := []string{"DEVICE:7", "DEVICE:3", "IP:9"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("links = %v, want %v", got, want)
	}
	if links[1].MatchedStatus != domain.EntityStatusTerminated || links[0].SourceTxID != "tx-9" {
		t.Errorf("unexpected link details %+v", links)
	}
	if want := []string{"7", "3", "9"}; !reflect.DeepEqual(status.lookups, want) {
		t.Errorf("lookups = %v, want %v", status.lookups, want)
	}
}

func TestEachCandidateResolvedOnce(t *testing.T) {
	index := &fakeIndex{
		byDevice: map[string][]string{"D1": {"12", "13"}},
		byIP:     map[string][]string{"10.0.0.1": {"13", "012", "12"}},
	}
	status := &fakeStatus{statuses: map[string]domain.EntityStatus{
		"12": domain.EntityStatusActive,
		"13": domain.EntityStatusSuspended,
	}}
	a := NewAnalyzer(index, status, nil)

	ids, err := a.FindLinkedBlockedEntities(context.Background(), txWith("D1", "10.0.0.1"), &domain.EntityContext{ID: "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no links, got %v", ids)
	}
	if want := []string{"12", "13"}; !reflect.DeepEqual(status.lookups, want) {
		t.Errorf("lookups = %v, want %v", status.lookups, want)
	}
}

func TestLeadingZeroIDLookedUpAsStored(t *testing.T) {
	index := &fakeIndex{byDevice: map[string][]string{"D1": {" 007 "}}}
	status := &fakeStatus{statuses: map[string]domain.EntityStatus{"007": domain.EntityStatusBlocked}}
	a := NewAnalyzer(index, status, nil)

	ids, err := a.FindLinkedBlockedEntities(context.Background(), txWith("D1", ""), &domain.EntityContext{ID: "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"007"}) {
		t.Errorf("ids = %v, want [007]", ids)
	}
	if !reflect.DeepEqual(status.lookups, []string{"007"}) {
		t.Errorf("lookups = %v, want [007]", status.lookups)
	}
}

func TestSkipsMalformedAndMissing(t *testing.T) {
	index := &fakeIndex{byIP: map[string][]string{"10.0.0.1": {"abc", "", "-4", "42", "55"}}}
	status := &fakeStatus{statuses: map[string]domain.EntityStatus{"55": domain.EntityStatusSuspended}}
	a := NewAnalyzer(index, status, nil)

	ids, err := a.FindLinkedBlockedEntities(context.Background(), txWith("", "10.0.0.1"), &domain.EntityContext{ID: "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no links, got %v", ids)
	}
	if !reflect.DeepEqual(status.lookups, []string{"42", "55"}) {
		t.Errorf("lookups = %v, only numeric ids should be resolved", status.lookups)
	}
}

func TestNoAttributesNoLookups(t *testing.T) {
	index := &fakeIndex{err: errors.New("should not be called")}
	a := NewAnalyzer(index, &fakeStatus{}, nil)

	ids, err := a.FindLinkedBlockedEntities(context.Background(), txWith("", " "), &domain.EntityContext{ID: "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ids == nil || len(ids) != 0 {
		t.Errorf("expected empty non-nil result, got %#v", ids)
	}
}

func TestDependencyFailures(t *testing.T) {
	t.Run("index", func(t *testing.T) {
		a := NewAnalyzer(&fakeIndex{err: errors.New("timeout")}, &fakeStatus{}, nil)
		_, err := a.Analyze(context.Background(), txWith("D1", ""), &domain.EntityContext{ID: "1"})
		if !errors.Is(err, domain.ErrDependencyUnavailable) {
			t.Errorf("expected DEPENDENCY_UNAVAILABLE, got %v", err)
		}
	})

	t.Run("status", func(t *testing.T) {
		index := &fakeIndex{byDevice: map[string][]string{"D1": {"2"}}}
		a := NewAnalyzer(index, &fakeStatus{err: errors.New("timeout")}, nil)
		_, err := a.Analyze(context.Background(), txWith("D1", ""), &domain.EntityContext{ID: "1"})
		if !errors.Is(err, domain.ErrDependencyUnavailable) {
			t.Errorf("expected DEPENDENCY_UNAVAILABLE, got %v", err)
		}
	})
}
