// Package health keeps track of whether each aimpoint is collecting and
// moves aimpoints between the active and monitored prefixes on that
// evidence.
//
// The historian drains the status queue into per-target daily logs. The
// disabler moves an active aimpoint whose recent records are all failures to
// the monitored prefix; the enabler moves a monitored aimpoint with any
// recent success back.
package health

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/aimpoint"
	"github.com/hpatrol/hpatrol/store"
)

// Record is one line of a status log.
type Record struct {
	TS           int64 `json:"ts"`
	IsCollecting bool  `json:"isCollecting"`
}

// unknownDomain files the records of an aimpoint read from outside the
// key layout.
const unknownDomain = "unknown"

func domainOf(a *aimpoint.Aimpoint) string {
	if a.Domain != "" {
		return a.Domain
	}
	if d := aimpoint.DomainFromKey(a.Key); d != "" {
		return d
	}
	return unknownDomain
}

// Log reads and writes the status logs under one bucket and prefix.
type Log struct {
	Store  store.Store
	Bucket string
	Prefix string
}

// Key returns the key of the log of a for the UTC day containing t.
func (l *Log) Key(a *aimpoint.Aimpoint, t time.Time) string {
	return aimpoint.StatusLogKey(l.Prefix, domainOf(a), a.DeviceID, t)
}

// read returns the raw log at key, empty if there is none.
func (l *Log) read(ctx context.Context, key string) ([]byte, error) {
	data, err := l.Store.Get(ctx, l.Bucket, key)
	if store.IsNotFound(err) {
		return nil, nil
	} else if err != nil {
		return nil, hpatrol.E(hpatrol.StoreError, "health.read", err)
	}
	return data, nil
}

// Append adds recs to the end of the log at key in one read and one write.
func (l *Log) Append(ctx context.Context, key string, recs []Record) error {
	data, err := l.read(ctx, key)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.Write(data)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		buf.WriteByte('\n')
	}
	enc := json.NewEncoder(&buf)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return hpatrol.E(hpatrol.DataError, "health.Append", err)
		}
	}
	err = store.PutBytes(ctx, l.Store, l.Bucket, key, buf.Bytes(), "application/x-ndjson")
	return hpatrol.E(hpatrol.StoreError, "health.Append", err)
}

// Window returns the records of a stamped in [from, to]. A window crossing
// midnight reads the log of each day it touches. Malformed lines are
// skipped.
func (l *Log) Window(ctx context.Context, a *aimpoint.Aimpoint, from, to time.Time) ([]Record, error) {
	var result []Record
	day := from.UTC().Truncate(24 * time.Hour)
	for !day.After(to.UTC()) {
		key := l.Key(a, day)
		data, err := l.read(ctx, key)
		if err != nil {
			return nil, err
		}
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var r Record
			if err := json.Unmarshal(line, &r); err != nil {
				log.Debug().Err(err).Str("key", key).Msg("skipping status line")
				continue
			}
			if r.TS >= from.Unix() && r.TS <= to.Unix() {
				result = append(result, r)
			}
		}
		day = day.Add(24 * time.Hour)
	}
	return result, nil
}
