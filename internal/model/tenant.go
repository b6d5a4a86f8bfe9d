package model

import "time"

type Tenant struct {
	ID          string          `json:"id" db:"id"`
	RoutingKey  string          `json:"routing_key" db:"routing_key"`
	Name        string          `json:"name" db:"name"`
	DatabaseURL string          `json:"-" db:"database_url"`
	Status      string          `json:"status" db:"status"`
	Features    map[string]bool `json:"features" db:"features"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}
