// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package reconcile

// DefaultReleaseTags is the release-tag vocabulary stripped from file names
// when deriving a filename signature. Entries are lowercase tokens as they
// appear after splitting on '.', '_', spaces and brackets; hyphenated
// tokens such as "web-dl" are matched whole.
//
// Words that double as title words (web, dvd, proper, extended) are not
// in the table. Override it with sync.release_tags.
var DefaultReleaseTags = []string{
	// resolution
	"480p", "576p", "720p", "1080p", "1080i", "2160p", "4320p", "4k", "8k", "uhd",
	// video codec and format
	"x264", "x265", "h264", "h265", "hevc", "avc", "xvid", "divx", "av1", "vp9",
	"10bit", "8bit", "hdr", "hdr10", "hdr10plus", "dovi", "sdr",
	// audio
	"aac", "ac3", "eac3", "dts", "dtshd", "dts-hd", "truehd", "atmos", "flac", "ddp", "ddp5", "dd5",
	// source
	"bluray", "blu-ray", "bdrip", "brrip", "bdremux", "remux", "web-dl", "webdl", "webrip", "web-rip",
	"hdtv", "dvdrip", "hdrip", "amzn", "dsnp", "hmax", "atvp",
	// release markers
	"repack", "rerip", "unrated", "remastered", "imax",
}
