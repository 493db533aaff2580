// ABOUTME: Product and version strings
// ABOUTME: Reported by the health endpoint and the daemon banner
package version

const (
	Version      = "0.4.0"
	Product      = "Resonate EQ"
	Manufacturer = "Resonate"
)
