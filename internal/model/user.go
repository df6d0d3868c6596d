// Package model はドメインモデルを定義する。
package model

import "time"

// LocalUser はローカルセッションキャッシュに保存される「現在のユーザー」を表す。
// キャッシュ内には常に0件または1件だけ存在する。
type LocalUser struct {
	ID             *int64 // バックエンドが採番するまではnil
	FirstName      string
	LastName       string
	ProviderUserID string
	BirthDate      *time.Time
	Gender         string
	Address        string
	City           string
	ZipCode        string
	Country        string
	Score          float64
	WeeklyScore    float64
	UpdatedAt      time.Time
}

// RemoteUser はバックエンドのアカウントサービスが保持するユーザーの正本を表す。
// ProviderUserIDがIdPとバックエンドの結合キーになる。
type RemoteUser struct {
	ID             int64
	FirstName      string
	LastName       string
	ProviderUserID string
	BirthDate      *time.Time
	Gender         string
	Address        string
	City           string
	ZipCode        string
	Country        string
	Score          float64
	WeeklyScore    float64
}

// NewLocalUser はRemoteUserからキャッシュ用のLocalUserを生成する。
func NewLocalUser(remote *RemoteUser, now time.Time) *LocalUser {
	u := &LocalUser{}
	u.ApplyRemote(remote, now)
	return u
}

// ApplyRemote はRemoteUserの値で自身のフィールドを上書きする。
// プロフィール更新時に既存レコードをその場で更新するために使う。
func (u *LocalUser) ApplyRemote(remote *RemoteUser, now time.Time) {
	id := remote.ID
	u.ID = &id
	u.FirstName = remote.FirstName
	u.LastName = remote.LastName
	u.ProviderUserID = remote.ProviderUserID
	u.BirthDate = copyTime(remote.BirthDate)
	u.Gender = remote.Gender
	u.Address = remote.Address
	u.City = remote.City
	u.ZipCode = remote.ZipCode
	u.Country = remote.Country
	u.Score = remote.Score
	u.WeeklyScore = remote.WeeklyScore
	u.UpdatedAt = now
}

// Clone はLocalUserのディープコピーを返す。nilの場合はnilを返す。
func (u *LocalUser) Clone() *LocalUser {
	if u == nil {
		return nil
	}
	c := *u
	if u.ID != nil {
		id := *u.ID
		c.ID = &id
	}
	c.BirthDate = copyTime(u.BirthDate)
	return &c
}

// NumericID は採番済みの数値IDを返す。未採番の場合はfalseを返す。
func (u *LocalUser) NumericID() (int64, bool) {
	if u == nil || u.ID == nil {
		return 0, false
	}
	return *u.ID, true
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
