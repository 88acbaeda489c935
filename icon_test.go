package pe

import (
	"bytes"
	"testing"
)

func makeIconImage(w, h uint8, payload []byte) IconImage {
	return IconImage{
		Entry: IconDirEntry{Width: w, Height: h, Planes: 1, BitCount: 32, BytesInRes: uint32(len(payload))},
		Data:  payload,
	}
}

func TestParseICO_BuildICORoundTrip(t *testing.T) {
	images := []IconImage{
		makeIconImage(32, 32, bytes.Repeat([]byte{0xAA}, 64)),
		makeIconImage(16, 16, bytes.Repeat([]byte{0xBB}, 16)),
	}

	ico := BuildICO(images)
	parsed, err := ParseICO(ico)
	if err != nil {
		t.Fatalf("ParseICO: %v", err)
	}
	if len(parsed) != len(images) {
		t.Fatalf("len(parsed) = %d, want %d", len(parsed), len(images))
	}
	for i, img := range parsed {
		if img.Entry.Width != images[i].Entry.Width || img.Entry.Height != images[i].Entry.Height {
			t.Errorf("image %d dims = %dx%d, want %dx%d", i, img.Entry.Width, img.Entry.Height, images[i].Entry.Width, images[i].Entry.Height)
		}
		if !bytes.Equal(img.Data, images[i].Data) {
			t.Errorf("image %d payload mismatch", i)
		}
	}
}

func TestParseICO_RejectsNonIconType(t *testing.T) {
	bad := BuildICO([]IconImage{makeIconImage(16, 16, []byte{0})})
	bad[2] = 2 // Type = 2 (cursor), not 1 (icon)
	if _, err := ParseICO(bad); err == nil {
		t.Error("ParseICO on type=2 container = nil error, want error")
	}
}

func TestResourceDirectory_SetGetRemoveMainIcon(t *testing.T) {
	var dir ResourceDirectory
	images := []IconImage{
		makeIconImage(32, 32, bytes.Repeat([]byte{0x11}, 32)),
		makeIconImage(16, 16, bytes.Repeat([]byte{0x22}, 16)),
	}

	if err := dir.SetMainIcon(images, nil); err != nil {
		t.Fatalf("SetMainIcon: %v", err)
	}

	got, err := dir.GetMainIcon(nil)
	if err != nil {
		t.Fatalf("GetMainIcon: %v", err)
	}
	if len(got) != len(images) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(images))
	}
	for i := range images {
		if !bytes.Equal(got[i].Data, images[i].Data) {
			t.Errorf("image %d payload mismatch after GetMainIcon", i)
		}
	}

	iconType := dir.Get(ByID(ResourceTypeIcon))
	if iconType == nil || len(iconType.Directory.Entries) != len(images) {
		t.Fatalf("RT_ICON has %d entries, want %d", len(iconType.Directory.Entries), len(images))
	}

	if err := dir.RemoveMainIcon(nil); err != nil {
		t.Fatalf("RemoveMainIcon: %v", err)
	}
	if dir.Get(ByID(ResourceTypeGroupIcon)) != nil {
		t.Error("RT_GROUP_ICON still present after RemoveMainIcon")
	}
	if dir.Get(ByID(ResourceTypeIcon)) != nil {
		t.Error("RT_ICON still present after RemoveMainIcon")
	}
}

func TestResourceDirectory_SetMainIconReplacesExisting(t *testing.T) {
	var dir ResourceDirectory

	first := []IconImage{makeIconImage(16, 16, []byte{1, 2, 3, 4})}
	if err := dir.SetMainIcon(first, nil); err != nil {
		t.Fatalf("SetMainIcon(first): %v", err)
	}

	second := []IconImage{
		makeIconImage(32, 32, []byte{5, 6, 7, 8}),
		makeIconImage(16, 16, []byte{9, 10}),
	}
	if err := dir.SetMainIcon(second, nil); err != nil {
		t.Fatalf("SetMainIcon(second): %v", err)
	}

	got, err := dir.GetMainIcon(nil)
	if err != nil {
		t.Fatalf("GetMainIcon: %v", err)
	}
	if len(got) != len(second) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(second))
	}

	iconType := dir.Get(ByID(ResourceTypeIcon))
	if len(iconType.Directory.Entries) != len(second) {
		t.Errorf("RT_ICON has %d entries after re-set, want %d (stale entries from first install should be gone)", len(iconType.Directory.Entries), len(second))
	}
}
