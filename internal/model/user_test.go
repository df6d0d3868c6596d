package model

import (
	"testing"
	"time"
)

func sampleRemote() *RemoteUser {
	birth := time.Date(1990, 4, 2, 0, 0, 0, 0, time.UTC)
	return &RemoteUser{
		ID:             53,
		FirstName:      "Jane",
		LastName:       "Doe",
		ProviderUserID: "uid-1",
		BirthDate:      &birth,
		Country:        "JP",
		Score:          12.5,
		WeeklyScore:    3,
	}
}

func TestNewLocalUser_CopiesRemote(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	remote := sampleRemote()

	u := NewLocalUser(remote, now)

	id, ok := u.NumericID()
	if !ok || id != 53 {
		t.Errorf("NumericID() = %d, %v, want 53, true", id, ok)
	}
	if u.FirstName != "Jane" || u.LastName != "Doe" || u.ProviderUserID != "uid-1" {
		t.Errorf("names = %q %q %q", u.FirstName, u.LastName, u.ProviderUserID)
	}
	if !u.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", u.UpdatedAt, now)
	}

	// 元のRemoteUserを変更してもキャッシュ側は変わらない
	*remote.BirthDate = remote.BirthDate.AddDate(1, 0, 0)
	if u.BirthDate.Year() != 1990 {
		t.Errorf("BirthDate shares memory with remote: %v", u.BirthDate)
	}
}

func TestLocalUser_ApplyRemoteIsIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	u := NewLocalUser(sampleRemote(), now)
	first := *u.Clone()

	u.ApplyRemote(sampleRemote(), now)

	if *u.ID != *first.ID || u.FirstName != first.FirstName || u.Score != first.Score || !u.BirthDate.Equal(*first.BirthDate) {
		t.Errorf("ApplyRemote changed the record: got %+v, want %+v", u, first)
	}
}

func TestLocalUser_Clone(t *testing.T) {
	u := NewLocalUser(sampleRemote(), time.Now())
	c := u.Clone()

	*c.ID = 99
	c.FirstName = "John"
	if *u.ID != 53 || u.FirstName != "Jane" {
		t.Errorf("Clone shares state: original = %+v", u)
	}

	var nilUser *LocalUser
	if nilUser.Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}

func TestLocalUser_NumericID_Unassigned(t *testing.T) {
	u := &LocalUser{FirstName: "Jane"}
	if _, ok := u.NumericID(); ok {
		t.Error("NumericID() ok = true for a record without id")
	}

	var nilUser *LocalUser
	if _, ok := nilUser.NumericID(); ok {
		t.Error("NumericID() ok = true for nil")
	}
}
