package pool

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/winseros/SqlClient/pkg/types"
)

// Canonical connection string keys
const (
	KeyServer         = "server"
	KeyDatabase       = "database"
	KeyUserID         = "user id"
	KeyPassword       = "password"
	KeyPooling        = "pooling"
	KeyMaxPoolSize    = "max pool size"
	KeyMinPoolSize    = "min pool size"
	KeyConnectTimeout = "connect timeout"
)

var keySynonyms = map[string]string{
	"server":             KeyServer,
	"data source":        KeyServer,
	"addr":               KeyServer,
	"address":            KeyServer,
	"database":           KeyDatabase,
	"initial catalog":    KeyDatabase,
	"user id":            KeyUserID,
	"uid":                KeyUserID,
	"user":               KeyUserID,
	"password":           KeyPassword,
	"pwd":                KeyPassword,
	"pooling":            KeyPooling,
	"max pool size":      KeyMaxPoolSize,
	"min pool size":      KeyMinPoolSize,
	"connect timeout":    KeyConnectTimeout,
	"connection timeout": KeyConnectTimeout,
	"timeout":            KeyConnectTimeout,
}

// ConnectionOptions is a parsed connection string
type ConnectionOptions struct {
	values map[string]string

	// Pooling is false when the string disables pooling
	Pooling bool

	// MaxPoolSize is the pool capacity, 0 when not set
	MaxPoolSize int

	// MinPoolSize is the number of idle sessions kept from reaping
	MinPoolSize int

	// ConnectTimeout bounds the acquire wait, 0 when not set
	ConnectTimeout time.Duration
}

// ParseConnectionString parses "key=value;" pairs. Keys are case-insensitive
// and synonyms are folded onto one canonical key; a repeated key keeps the
// last value.
func ParseConnectionString(s string) (*ConnectionOptions, error) {
	opts := &ConnectionOptions{
		values:  make(map[string]string),
		Pooling: true,
	}

	for _, segment := range strings.Split(s, ";") {
		if strings.TrimSpace(segment) == "" {
			continue
		}
		eq := strings.IndexByte(segment, '=')
		if eq < 0 {
			return nil, types.NewConfigurationError("connectionString", "segment %q has no value", strings.TrimSpace(segment))
		}
		key := strings.ToLower(strings.Join(strings.Fields(segment[:eq]), " "))
		if key == "" {
			return nil, types.NewConfigurationError("connectionString", "segment %q has no key", strings.TrimSpace(segment))
		}
		if canonical, ok := keySynonyms[key]; ok {
			key = canonical
		}
		opts.values[key] = strings.TrimSpace(segment[eq+1:])
	}

	if err := opts.resolve(); err != nil {
		return nil, err
	}
	return opts, nil
}

func (o *ConnectionOptions) resolve() error {
	if v, ok := o.values[KeyPooling]; ok {
		pooling, err := parseBool(v)
		if err != nil {
			return types.NewConfigurationError(KeyPooling, "invalid boolean %q", v)
		}
		o.Pooling = pooling
	}

	var err error
	if o.MaxPoolSize, err = o.intValue(KeyMaxPoolSize, 1); err != nil {
		return err
	}
	if o.MinPoolSize, err = o.intValue(KeyMinPoolSize, 0); err != nil {
		return err
	}
	if o.MaxPoolSize > 0 && o.MinPoolSize > o.MaxPoolSize {
		return types.NewConfigurationError(KeyMinPoolSize, "must not exceed max pool size %d, got %d", o.MaxPoolSize, o.MinPoolSize)
	}

	seconds, err := o.intValue(KeyConnectTimeout, 0)
	if err != nil {
		return err
	}
	if int64(seconds) > maxConnectTimeoutSeconds {
		return types.NewConfigurationError(KeyConnectTimeout, "must not exceed %d seconds, got %d", maxConnectTimeoutSeconds, seconds)
	}
	o.ConnectTimeout = time.Duration(seconds) * time.Second
	return nil
}

// maxConnectTimeoutSeconds is the largest timeout a time.Duration can hold
const maxConnectTimeoutSeconds = math.MaxInt64 / int64(time.Second)

func (o *ConnectionOptions) intValue(key string, min int) (int, error) {
	v, ok := o.values[key]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return 0, types.NewConfigurationError(key, "must be an integer >= %d, got %q", min, v)
	}
	return n, nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	}
	return strconv.ParseBool(v)
}

// Get returns the value stored under a key or any of its synonyms
func (o *ConnectionOptions) Get(key string) (string, bool) {
	key = strings.ToLower(strings.Join(strings.Fields(key), " "))
	if canonical, ok := keySynonyms[key]; ok {
		key = canonical
	}
	v, ok := o.values[key]
	return v, ok
}

// Normalized returns the canonical form: canonical keys, sorted, "key=value;"
func (o *ConnectionOptions) Normalized() string {
	keys := make([]string, 0, len(o.values))
	for k := range o.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(o.values[k])
		b.WriteByte(';')
	}
	return b.String()
}
