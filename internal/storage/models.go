package storage

import (
	"encoding/json"
	"time"
)

// PlanNone is the plan of an account without an active subscription.
const PlanNone = "none"

// User is the per-account subscription record keyed by email.
type User struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	Plan             string    `json:"plan"`
	ClientLimit      int       `json:"client_limit"`
	StripeCustomerID string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Client struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Name           string          `json:"client_name"`
	Industry       string          `json:"industry"`
	Audience       string          `json:"audience"`
	ProductTypes   string          `json:"product_types"`
	BrandToneNotes json.RawMessage `json:"brand_tone_notes"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Chat struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"chat_name"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	IsUser    bool      `json:"isUser"`
	Timestamp time.Time `json:"timestamp"`
}

type ProjectProfile struct {
	ID        string
	ClientID  string
	Embedding []float32
	CreatedAt time.Time
}

type Framework struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	Author            string    `json:"author"`
	Summary           string    `json:"summary"`
	UseWhen           string    `json:"use_when"`
	Tags              []string  `json:"tags"`
	Example           string    `json:"example"`
	Keywords          []string  `json:"keywords"`
	Category          string    `json:"category"`
	RelatedFrameworks []string  `json:"related_frameworks"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// FrameworkEmbedding omits the vector; maintenance only needs identity and age.
// An empty FrameworkID means the row was stored without a framework.
type FrameworkEmbedding struct {
	ID          string
	FrameworkID string
	CreatedAt   time.Time
}

type MemoryEntry struct {
	ID        string          `json:"id"`
	ClientID  string          `json:"client_id"`
	UserID    string          `json:"user_id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}
