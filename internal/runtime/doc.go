// Package runtime assembles a single instance's components around the
// shared storage and backplane, in dependency order, and tears them
// down in reverse.
package runtime
