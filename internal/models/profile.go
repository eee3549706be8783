package models

import (
	"time"

	"github.com/google/uuid"
)

// Profile describes an organization looking for funding.
type Profile struct {
	ID          uuid.UUID  `json:"id" yaml:"id"`
	OwnerID     *uuid.UUID `json:"owner_id,omitempty" yaml:"-"`
	Name        string     `json:"name" yaml:"name"`
	Mission     string     `json:"mission" yaml:"mission"`
	Description string     `json:"description" yaml:"description"`
	FocusAreas  []string   `json:"focus_areas" yaml:"focus_areas"`
	FundingMin  float64    `json:"funding_min" yaml:"funding_min"` // 0 = no lower bound
	FundingMax  float64    `json:"funding_max" yaml:"funding_max"` // 0 = no upper bound
	Region      string     `json:"region" yaml:"region"`
	Country     string     `json:"country" yaml:"country"`
	Contact     Contact    `json:"contact" yaml:"contact"`
	Embedding   []float32  `json:"embedding,omitempty" yaml:"-"`
	CreatedAt   time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time  `json:"updated_at" yaml:"-"`
}

type Contact struct {
	Email   string `json:"email,omitempty" yaml:"email,omitempty"`
	Phone   string `json:"phone,omitempty" yaml:"phone,omitempty"`
	Website string `json:"website,omitempty" yaml:"website,omitempty"`
}

// Text is the free text used for lexical matching.
func (p Profile) Text() string {
	switch {
	case p.Mission == "":
		return p.Description
	case p.Description == "":
		return p.Mission
	}
	return p.Mission + "\n" + p.Description
}

// HasFundingRange reports whether the profile states any preferred amount.
func (p Profile) HasFundingRange() bool {
	return p.FundingMin > 0 || p.FundingMax > 0
}
