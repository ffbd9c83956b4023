package aimpoint

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/store"
)

// Aimpoints are filed under <prefix>/<domain>-autoParsed/<deviceID>.json.
const domainSuffix = "-autoParsed"

// DomainFromKey returns the domain named by the directory of an aimpoint
// key, or "" if the key does not follow the layout.
func DomainFromKey(key string) string {
	dir := path.Base(path.Dir(key))
	if dir == "." || dir == "/" {
		return ""
	}
	return strings.TrimSuffix(dir, domainSuffix)
}

// DocKey returns the key of an aimpoint document under prefix, which is
// either the active or the monitored prefix.
func DocKey(prefix, domain, deviceID string) string {
	return path.Join(prefix, domain+domainSuffix, deviceID+".json")
}

// Rekey moves an aimpoint key from one top level prefix to another, keeping
// the rest of the path.
func Rekey(key, from, to string) string {
	from = strings.TrimSuffix(from, "/") + "/"
	if !strings.HasPrefix(key, from) {
		return key
	}
	return strings.TrimSuffix(to, "/") + "/" + key[len(from):]
}

// StatusLogKey returns the key of the status log of deviceID for the UTC
// day containing t.
func StatusLogKey(prefix, domain, deviceID string, t time.Time) string {
	return path.Join(prefix, domain, deviceID, t.UTC().Format("2006-01-02")+".log")
}

// LoadAll reads every aimpoint document under prefix. Documents which fail
// to parse or validate are logged and skipped; a store failure is returned.
func LoadAll(ctx context.Context, s store.Store, bucket, prefix string) ([]*Aimpoint, error) {
	items, err := s.List(ctx, bucket, strings.TrimSuffix(prefix, "/")+"/", store.ListOptions{})
	if err != nil {
		return nil, hpatrol.E(hpatrol.StoreError, "aimpoint.LoadAll", err)
	}
	var result []*Aimpoint
	for _, item := range items {
		if !strings.HasSuffix(item.Key, ".json") {
			continue
		}
		a, err := Load(ctx, s, bucket, item.Key)
		if store.IsNotFound(err) {
			// moved since the listing
			continue
		} else if hpatrol.Is(err, hpatrol.StoreError) {
			return nil, err
		} else if err != nil {
			log.Warn().Err(err).Str("key", item.Key).Msg("skipping aimpoint")
			continue
		}
		result = append(result, a)
	}
	return result, nil
}

// Load reads and parses one aimpoint document.
func Load(ctx context.Context, s store.Store, bucket, key string) (*Aimpoint, error) {
	data, err := s.Get(ctx, bucket, key)
	if err != nil {
		return nil, hpatrol.E(hpatrol.StoreError, "aimpoint.Load", err)
	}
	return Parse(data, key)
}
