/*
Package config defines Crucible's node configuration and platform limits.

Configuration is a single YAML file layered over DefaultConfig(); the CLI
loads it once and injects the relevant sections into component
constructors. There is no global configuration state.

The Limits struct carries every platform-wide bound (source size, timeout,
output capture, sandbox resources, retry budget, busy-marker TTL, batch
shaping) so that no component hard-codes a number at its use site.
*/
package config
