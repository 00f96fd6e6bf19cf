// Package geo resolves caller IPs to country codes for the audit log.
package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// Resolver answers country lookups from a MaxMind GeoLite2 database.
type Resolver struct {
	reader *maxminddb.Reader
}

// NewResolver opens the GeoLite2 database at path.
func NewResolver(path string) (*Resolver, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	return &Resolver{reader: reader}, nil
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// CountryCode returns the ISO country code for an IP, or "" when the address
// is unparsable or unknown. Lookups never fail the ingestion path.
func (r *Resolver) CountryCode(ip string) string {
	if r == nil {
		return ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	var rec countryRecord
	if err := r.reader.Lookup(parsed, &rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

// Close releases the underlying database.
func (r *Resolver) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}
