package models

import (
	"time"

	"github.com/lib/pq"
)

// Code registry class subtypes.
const (
	SubtypeHistorical    = "Historical"
	SubtypeLive          = "Live"
	SubtypeIndexProvider = "IndexProvider"
	SubtypeUserIndex     = "UserIndex"
)

// CodeRegistryRow is one uploaded plugin: provider, broker, index provider or
// user index. Uniqueness: (class_name, class_type).
type CodeRegistryRow struct {
	ID           int64     `db:"id"`
	ClassName    string    `db:"class_name"`
	ClassType    string    `db:"class_type"`
	ClassSubtype string    `db:"class_subtype"`
	FilePath     string    `db:"file_path"`
	FileHash     string    `db:"file_hash"`
	Nonce        []byte    `db:"nonce"`
	Ciphertext   []byte    `db:"ciphertext"`
	Preferences  []byte    `db:"preferences"`
	UploadedAt   time.Time `db:"uploaded_at"`
}

// SubscriptionGroup is the grouped subscription view the scheduler consumes:
// one row per (provider, interval, cron) with symbols and exchanges aligned
// by index.
type SubscriptionGroup struct {
	Provider  string         `db:"provider"`
	Interval  string         `db:"interval"`
	Cron      string         `db:"cron"`
	Symbols   pq.StringArray `db:"symbols"`
	Exchanges pq.StringArray `db:"exchanges"`
}

// JobKey builds the scheduler key for this subscription group.
func (g SubscriptionGroup) JobKey() string {
	return g.Provider + "|" + g.Interval + "|" + g.Cron
}

// ManifestEntry is one read-only identity manifest row. Aliases is the raw
// semicolon-delimited alias list.
type ManifestEntry struct {
	Group     string  `db:"asset_class_group"`
	Symbol    string  `db:"symbol"`
	Aliases   string  `db:"aliases"`
	PrimaryID string  `db:"primary_id"`
	Name      *string `db:"name"`
	Exchange  *string `db:"exchange"`
}

// Membership sources.
const (
	MembershipSourceAPI    = "api"
	MembershipSourceManual = "manual"
)

// IndexMembership is one SCD-Type-2 row binding a member to an index over a
// validity interval. A null ValidTo marks the currently active row.
type IndexMembership struct {
	ID             int64      `db:"id"`
	IndexClassName string     `db:"index_class_name"`
	IndexClassType string     `db:"index_class_type"`
	AssetClassName *string    `db:"asset_class_name"`
	AssetClassType *string    `db:"asset_class_type"`
	AssetSymbol    *string    `db:"asset_symbol"`
	CommonSymbol   *string    `db:"common_symbol"`
	Weight         *float64   `db:"weight"`
	Source         string     `db:"source"`
	ValidFrom      time.Time  `db:"valid_from"`
	ValidTo        *time.Time `db:"valid_to"`
}
