// Package commands is the p2pgo command line: identity setup, hosting and
// joining games, LAN and directory discovery, running a relay node, and
// browsing archived and suspended games.
package commands
