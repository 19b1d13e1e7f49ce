package models

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"

	"github.com/miradorstack/topdesk-stats/internal/utils"
)

// Instance is one configured TOPdesk system.
type Instance struct {
	ID             string
	Name           string
	Host           string
	Username       string
	Password       string
	Categories     []Category
	UpdateInterval time.Duration
}

// DeviceID derives the stable identifier of an instance from its host and display name.
func DeviceID(host, name string) string {
	sum := sha256.Sum256([]byte(strings.TrimRight(host, "/") + "_" + name))
	return hex.EncodeToString(sum[:])[:10]
}

// DeviceName is the display name of one category of an instance, e.g. "Service Desk Incident".
func DeviceName(instanceName string, category Category) string {
	return instanceName + " " + category.Title()
}

// NewInstance normalises the host and fills in the derived ID.
func NewInstance(name, host, username, password string, categories []Category, interval time.Duration) Instance {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	return Instance{
		ID:             DeviceID(host, name),
		Name:           name,
		Host:           host,
		Username:       username,
		Password:       password,
		Categories:     slices.Clone(categories),
		UpdateInterval: interval,
	}
}

// SameConnection reports whether two instances differ at most in their update interval.
func (i Instance) SameConnection(other Instance) bool {
	return i.ID == other.ID &&
		i.Name == other.Name &&
		i.Host == other.Host &&
		i.Username == other.Username &&
		i.Password == other.Password &&
		slices.Equal(i.Categories, other.Categories)
}

// Notification is published after every completed refresh attempt, successful or not.
// Snapshot is the coordinator's last-good snapshot after the attempt, which on failure
// may be stale or nil.
type Notification struct {
	AttemptID    string
	InstanceID   string
	InstanceName string
	Category     Category
	Success      bool
	Snapshot     *Snapshot
	Error        utils.ErrorKind
	Err          error
	At           time.Time
}

// Version returns the product version of the carried snapshot, if any.
func (n Notification) Version() string {
	if n.Snapshot == nil {
		return ""
	}
	return n.Snapshot.Version
}
