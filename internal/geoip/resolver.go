package geoip

import (
	"log"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// Location is the subset of a MaxMind city record shown on admin views.
type Location struct {
	City    string
	Country string
}

// Resolver looks up approximate locations for session device IPs. A resolver
// without a database is valid and resolves nothing.
type Resolver struct {
	db *maxminddb.Reader
}

type mmdbRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

func NewResolver(dbPath string) *Resolver {
	if dbPath == "" {
		return &Resolver{}
	}
	db, err := maxminddb.Open(dbPath)
	if err != nil {
		log.Printf("geoip: failed to open %s: %v", dbPath, err)
		return &Resolver{}
	}
	return &Resolver{db: db}
}

func (r *Resolver) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *Resolver) Lookup(ip net.IP) *Location {
	if ip == nil || r.db == nil || ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() {
		return nil
	}
	var record mmdbRecord
	if err := r.db.Lookup(ip, &record); err != nil {
		return nil
	}
	return &Location{
		City:    record.City.Names["en"],
		Country: record.Country.ISOCode,
	}
}

// LookupAddr resolves a textual IP, nil when it does not parse.
func (r *Resolver) LookupAddr(addr string) *Location {
	return r.Lookup(net.ParseIP(addr))
}
