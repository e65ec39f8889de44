// Package leaderboard defines the core types shared across the harvester subsystems.
package leaderboard
