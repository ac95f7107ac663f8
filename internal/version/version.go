package version

// Version is the server version, stamped into every session's device
// snapshot. Overridden at build time via -ldflags "-X shelfplay/internal/version.Version=...".
var Version = "dev"
