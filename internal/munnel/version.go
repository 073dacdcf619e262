package munnel

// BuildVersion is the Munnel release version, set by the build for release
// binaries; it stays at this placeholder for development builds.
var BuildVersion = "dev"
