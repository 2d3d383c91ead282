package config

import (
	"os"
	"strings"
)

// RequireAreaClaimForScans makes scan ingestion reject scans whose area is not
// currently claimed by the submitting device. Off by default: devices are allowed
// to flush buffered scans for areas they released while offline.
//
// Set via env:
// - REQUIRE_AREA_CLAIM_FOR_SCANS=true
func RequireAreaClaimForScans() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("REQUIRE_AREA_CLAIM_FOR_SCANS")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
