package model

import "time"

type AntiSybilRecord struct {
	Address     string
	Fingerprint string
	SourceIP    string
	FirstSeenAt time.Time
}

// Fill records fingerprint and IP only where they were previously empty.
// It reports whether the record changed.
func (r *AntiSybilRecord) Fill(fingerprint, sourceIP string) bool {
	changed := false
	if fingerprint != "" && r.Fingerprint == "" {
		r.Fingerprint = fingerprint
		changed = true
	}
	if sourceIP != "" && r.SourceIP == "" {
		r.SourceIP = sourceIP
		changed = true
	}
	return changed
}

func (r *AntiSybilRecord) Clone() *AntiSybilRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
