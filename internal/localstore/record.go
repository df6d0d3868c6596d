package localstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/tripcarbon/internal/model"
)

// userRecord はLocalUserの永続化形式。
type userRecord struct {
	ID             *int64     `json:"id,omitempty"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	ProviderUserID string     `json:"provider_user_id"`
	BirthDate      *time.Time `json:"birth_date,omitempty"`
	Gender         string     `json:"gender,omitempty"`
	Address        string     `json:"address,omitempty"`
	City           string     `json:"city,omitempty"`
	ZipCode        string     `json:"zip_code,omitempty"`
	Country        string     `json:"country,omitempty"`
	Score          float64    `json:"score"`
	WeeklyScore    float64    `json:"weekly_score"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func encodeUser(u *model.LocalUser) ([]byte, error) {
	data, err := json.Marshal(userRecord{
		ID:             u.ID,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		ProviderUserID: u.ProviderUserID,
		BirthDate:      u.BirthDate,
		Gender:         u.Gender,
		Address:        u.Address,
		City:           u.City,
		ZipCode:        u.ZipCode,
		Country:        u.Country,
		Score:          u.Score,
		WeeklyScore:    u.WeeklyScore,
		UpdatedAt:      u.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode cached user: %w", err)
	}
	return data, nil
}

func decodeUser(data []byte) (*model.LocalUser, error) {
	var r userRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode cached user: %w", err)
	}
	return &model.LocalUser{
		ID:             r.ID,
		FirstName:      r.FirstName,
		LastName:       r.LastName,
		ProviderUserID: r.ProviderUserID,
		BirthDate:      r.BirthDate,
		Gender:         r.Gender,
		Address:        r.Address,
		City:           r.City,
		ZipCode:        r.ZipCode,
		Country:        r.Country,
		Score:          r.Score,
		WeeklyScore:    r.WeeklyScore,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}
