// Package geoip resolves player IP addresses to ISO country codes.
//
// Production deployments plug in a real resolver (MaxMind or similar); the
// static resolver is the default and returns the UnknownCountry sentinel.
package geoip

import "context"

// UnknownCountry is recorded when no resolver match exists.
const UnknownCountry = "XX"

// Resolver maps an IP address to a two-letter country code.
type Resolver interface {
	Country(ctx context.Context, ip string) (string, error)
}

// StaticResolver returns a fixed country for every lookup.
type StaticResolver struct {
	Code string
}

// NewStaticResolver creates a resolver that always answers with code, or
// UnknownCountry when code is empty.
func NewStaticResolver(code string) *StaticResolver {
	if code == "" {
		code = UnknownCountry
	}
	return &StaticResolver{Code: code}
}

// Country implements Resolver.
func (r *StaticResolver) Country(_ context.Context, _ string) (string, error) {
	return r.Code, nil
}
