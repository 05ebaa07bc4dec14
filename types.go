package main

import (
	"log/slog"
	"net/http"
	"time"
)

type config struct {
	HTTPListen          string              `yaml:"http_listen"`
	DBPath              string              `yaml:"db_path"`
	LogFormat           string              `yaml:"log_format"`
	LogLevel            string              `yaml:"log_level"`
	DebugLog            bool                `yaml:"debug_log"`
	AdminToken          string              `yaml:"admin_token"`
	TrustProxy          bool                `yaml:"trust_proxy"`
	Backend             string              `yaml:"nameserver_backend"`
	BackendTimeout      time.Duration       `yaml:"backend_timeout"`
	PowerDNS            powerDNSConfig      `yaml:"powerdns"`
	Cloudflare          cloudflareConfig    `yaml:"cloudflare"`
	DefaultNS           []string            `yaml:"default_ns"`
	NSGlue              map[string][]string `yaml:"ns_glue"`
	LocalPublicSuffixes []string            `yaml:"local_public_suffixes"`
	MinimumTTL          uint32              `yaml:"minimum_ttl"`
	LocalMinimumTTL     uint32              `yaml:"local_minimum_ttl"`
	DynDNSTTL           uint32              `yaml:"dyndns_ttl"`
	DomainLimit         int                 `yaml:"domain_limit"`
	TokenSalt           string              `yaml:"token_salt"`
	BackendHTTPClient   *http.Client        `yaml:"-"`
}

type powerDNSConfig struct {
	APIURL   string `yaml:"api_url"`
	APIKey   string `yaml:"api_key"`
	ServerID string `yaml:"server_id"`
	Notify   bool   `yaml:"notify"`
}

type cloudflareConfig struct {
	APIToken  string `yaml:"api_token"`
	AccountID string `yaml:"account_id"`
}

// rrset is the desired state of one (subname, type) key. An empty Records
// slice means the key should not exist.
type rrset struct {
	Subname string   `json:"subname"`
	Type    string   `json:"type"`
	TTL     uint32   `json:"ttl"`
	Records []string `json:"records"`
}

// zoneRRset is the nameserver-facing form of an RRset: absolute owner name
// with trailing dot.
type zoneRRset struct {
	Name    string
	Type    string
	TTL     uint32
	Records []string
}

type zoneState struct {
	Name   string
	Serial uint32
	RRsets []zoneRRset
}

type domainView struct {
	Name       string     `json:"name"`
	MinimumTTL uint32     `json:"minimum_ttl"`
	Serial     uint32     `json:"serial"`
	Created    time.Time  `json:"created"`
	Published  *time.Time `json:"published"`
	Touched    time.Time  `json:"touched"`
}

type rrsetView struct {
	Domain  string    `json:"domain"`
	Subname string    `json:"subname"`
	Name    string    `json:"name"`
	Type    string    `json:"type"`
	TTL     uint32    `json:"ttl"`
	Records []string  `json:"records"`
	Created time.Time `json:"created"`
	Touched time.Time `json:"touched"`
}

type createDomainRequest struct {
	Name string `json:"name"`
	// Owner is the user id a domain is created for; admin API only.
	Owner string `json:"owner,omitempty"`
}

// rrsetRequest is the body of RRset writes. Nil fields are taken from the
// stored RRset on PATCH.
type rrsetRequest struct {
	Subname *string   `json:"subname,omitempty"`
	Type    string    `json:"type,omitempty"`
	TTL     *uint32   `json:"ttl,omitempty"`
	Records *[]string `json:"records,omitempty"`
}

type createUserRequest struct {
	Email        string `json:"email"`
	LimitDomains int    `json:"limit_domains,omitempty"`
	TokenName    string `json:"token_name,omitempty"`
}

type createUserResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Token string `json:"token"`
}

type blockSubnetRequest struct {
	IP     string `json:"ip,omitempty"`
	Subnet string `json:"subnet,omitempty"`
	ASN    uint32 `json:"asn,omitempty"`
}

type userModel struct {
	ID           string    `gorm:"primaryKey;size:36"`
	Email        string    `gorm:"size:255;not null;uniqueIndex"`
	LimitDomains int       `gorm:"column:limit_domains;not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
}

type tokenModel struct {
	ID         string     `gorm:"primaryKey;size:36"`
	UserID     string     `gorm:"column:user_id;size:36;not null;index"`
	Name       string     `gorm:"size:178;not null"`
	KeyHash    string     `gorm:"column:key_hash;size:128;not null;uniqueIndex"`
	CreatedAt  time.Time  `gorm:"not null"`
	LastUsedAt *time.Time `gorm:"column:last_used_at"`
}

type domainModel struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement"`
	Name        string     `gorm:"size:191;not null;uniqueIndex"`
	OwnerID     string     `gorm:"column:owner_id;size:36;not null;index"`
	MinimumTTL  uint32     `gorm:"column:minimum_ttl;not null"`
	Serial      uint32     `gorm:"not null;default:0"`
	PublishedAt *time.Time `gorm:"column:published_at"`
	TouchedAt   time.Time  `gorm:"column:touched_at;not null"`
	CreatedAt   time.Time  `gorm:"not null"`
}

type rrsetModel struct {
	ID        uint64        `gorm:"primaryKey;autoIncrement"`
	DomainID  uint64        `gorm:"column:domain_id;not null;uniqueIndex:idx_rrsets_domain_subname_type,priority:1"`
	Subname   string        `gorm:"size:178;not null;uniqueIndex:idx_rrsets_domain_subname_type,priority:2"`
	Type      string        `gorm:"size:10;not null;uniqueIndex:idx_rrsets_domain_subname_type,priority:3"`
	TTL       uint32        `gorm:"column:ttl;not null"`
	CreatedAt time.Time     `gorm:"not null"`
	TouchedAt time.Time     `gorm:"column:touched_at;not null"`
	Records   []recordModel `gorm:"foreignKey:RRsetID"`
}

type recordModel struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement"`
	RRsetID uint64 `gorm:"column:rrset_id;not null;index"`
	Content string `gorm:"size:4092;not null"`
}

type blockedSubnetModel struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	ASN            uint32    `gorm:"column:asn;not null" json:"asn"`
	Subnet         string    `gorm:"size:64;not null;uniqueIndex" json:"subnet"`
	Country        string    `gorm:"size:8;not null" json:"country"`
	Registry       string    `gorm:"size:32;not null" json:"registry"`
	AllocationDate string    `gorm:"column:allocation_date;size:10;not null" json:"allocation_date"`
	CreatedAt      time.Time `gorm:"not null" json:"created"`
}

func (userModel) TableName() string {
	return "users"
}

func (tokenModel) TableName() string {
	return "tokens"
}

func (domainModel) TableName() string {
	return "domains"
}

func (rrsetModel) TableName() string {
	return "rrsets"
}

func (recordModel) TableName() string {
	return "records"
}

func (blockedSubnetModel) TableName() string {
	return "blocked_subnets"
}

type server struct {
	cfg     config
	persist *persistence
	syncer  *zoneSyncer
	signer  dsPublisher
	abuse   subnetLookup
	log     *slog.Logger
	start   time.Time
}
