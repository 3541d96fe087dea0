package playlist

import "testing"

func TestParseMasterPlaylist(t *testing.T) {
	text := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2000000,RESOLUTION=640x360\n" +
		"low/index.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080\n" +
		"high/index.m3u8\n"

	snap, err := Parse("https://cdn.example.com/stream/master.m3u8", text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Kind != Master {
		t.Fatalf("expected Master, got %v", snap.Kind)
	}
	if len(snap.Variants) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(snap.Variants))
	}
	if snap.Variants[0].BitrateBPS != 5_000_000 {
		t.Fatalf("expected descending bitrate order, got %+v", snap.Variants)
	}
	if snap.Variants[0].URL != "https://cdn.example.com/stream/high/index.m3u8" {
		t.Fatalf("unexpected resolved URL: %s", snap.Variants[0].URL)
	}
}

func TestParseMasterTiesPreserveOrder(t *testing.T) {
	text := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1000000\n" +
		"a.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1000000\n" +
		"b.m3u8\n"

	snap, err := Parse("https://h/m.m3u8", text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Variants[0].URL != "https://h/a.m3u8" || snap.Variants[1].URL != "https://h/b.m3u8" {
		t.Fatalf("expected original order on ties, got %+v", snap.Variants)
	}
}

func TestParseMediaPlaylistVOD(t *testing.T) {
	text := "#EXTM3U\n" +
		"#EXT-X-MEDIA-SEQUENCE:10\n" +
		"#EXTINF:6.0,\n" +
		"seg10.ts\n" +
		"#EXTINF:6.0,\n" +
		"seg11.ts\n" +
		"#EXT-X-ENDLIST\n"

	snap, err := Parse("https://cdn.example.com/stream/media.m3u8", text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Kind != Media {
		t.Fatalf("expected Media, got %v", snap.Kind)
	}
	if snap.IsLive {
		t.Fatal("expected VOD (IsLive=false) when #EXT-X-ENDLIST present")
	}
	if len(snap.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(snap.Segments))
	}
	if snap.Segments[0].Sequence != 10 || snap.Segments[1].Sequence != 11 {
		t.Fatalf("expected sequences 10,11, got %+v", snap.Segments)
	}
	if snap.Segments[0].ID() != "10_https://cdn.example.com/stream/seg10.ts" {
		t.Fatalf("unexpected dedup id: %s", snap.Segments[0].ID())
	}
}

func TestParseMediaPlaylistLive(t *testing.T) {
	text := "#EXTM3U\n" +
		"#EXT-X-MEDIA-SEQUENCE:100\n" +
		"#EXTINF:4.0,\n" +
		"a.ts\n"

	snap, err := Parse("https://h/m.m3u8", text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !snap.IsLive {
		t.Fatal("expected IsLive=true when #EXT-X-ENDLIST is absent")
	}
}

func TestParseMediaSequenceDefaultsToZero(t *testing.T) {
	text := "#EXTM3U\n#EXTINF:4.0,\na.ts\n#EXT-X-ENDLIST\n"
	snap, err := Parse("https://h/m.m3u8", text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.MediaSequence != 0 || snap.Segments[0].Sequence != 0 {
		t.Fatalf("expected default media sequence 0, got %+v", snap)
	}
}

func TestParseRejectsNonPlaylist(t *testing.T) {
	if _, err := Parse("https://h/x", "not a playlist at all"); err == nil {
		t.Fatal("expected ParseError for missing #EXTM3U header")
	}
}

func TestParseRejectsEmptyPlaylist(t *testing.T) {
	if _, err := Parse("https://h/x", "#EXTM3U\n"); err == nil {
		t.Fatal("expected ParseError for zero segments and zero variants")
	}
}

func TestParseMalformedStreamInfLeavesFieldsAbsent(t *testing.T) {
	text := "#EXTM3U\n#EXT-X-STREAM-INF:GARBAGE\nvariant.m3u8\n"
	snap, err := Parse("https://h/m.m3u8", text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.Variants) != 1 {
		t.Fatalf("expected 1 variant despite malformed attrs, got %d", len(snap.Variants))
	}
	if snap.Variants[0].BitrateBPS != 0 {
		t.Fatalf("expected absent bitrate (0), got %d", snap.Variants[0].BitrateBPS)
	}
}

func TestParseByteRange(t *testing.T) {
	text := "#EXTM3U\n#EXTINF:2.0,\n#EXT-X-BYTERANGE:1000@500\nseg.ts\n#EXT-X-ENDLIST\n"
	snap, err := Parse("https://h/m.m3u8", text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	br := snap.Segments[0].ByteRange
	if br == nil || br.Start != 500 || br.End != 1500 {
		t.Fatalf("unexpected byte range: %+v", br)
	}
}

func TestParseUnknownTagsIgnored(t *testing.T) {
	text := "#EXTM3U\n#EXT-X-VERSION:7\n#EXT-X-SOME-FUTURE-TAG:1\n#EXTINF:4.0,\na.ts\n#EXT-X-ENDLIST\n"
	if _, err := Parse("https://h/m.m3u8", text); err != nil {
		t.Fatalf("unexpected error parsing unknown tags: %v", err)
	}
}
