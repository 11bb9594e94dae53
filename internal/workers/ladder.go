package workers

// RenditionProfile is one fixed encoding target of the video ladder.
type RenditionProfile struct {
	Name         string
	Width        int
	Height       int
	VideoBitrate int // kbps
	AudioBitrate int // kbps
	Codec        string
}

// heightTolerance avoids dropping a rendition over a few lines of
// non-standard source height (e.g. 1072-pixel "1080p" sources).
const heightTolerance = 8

// VideoLadder is the candidate rendition set, ascending.
var VideoLadder = []RenditionProfile{
	{Name: "360p", Width: 640, Height: 360, VideoBitrate: 800, AudioBitrate: 96, Codec: "libx264"},
	{Name: "480p", Width: 854, Height: 480, VideoBitrate: 1400, AudioBitrate: 128, Codec: "libx264"},
	{Name: "720p", Width: 1280, Height: 720, VideoBitrate: 2800, AudioBitrate: 128, Codec: "libx264"},
	{Name: "1080p", Width: 1920, Height: 1080, VideoBitrate: 5000, AudioBitrate: 192, Codec: "libx264"},
}

// SelectRenditions picks the ladder profiles applicable to a source
// height: a profile is included only if its height does not exceed the
// source height by more than the tolerance, capped at maxRenditions.
func SelectRenditions(sourceHeight, maxRenditions int) []RenditionProfile {
	var selected []RenditionProfile
	for _, p := range VideoLadder {
		if p.Height <= sourceHeight+heightTolerance {
			selected = append(selected, p)
		}
	}
	if maxRenditions > 0 && len(selected) > maxRenditions {
		selected = selected[:maxRenditions]
	}
	return selected
}

// ImageWidths is the fixed target-width ladder for image variants.
var ImageWidths = []int{256, 720, 1280}

// ImageFormats are the two independent output encodings each width is
// rendered into.
var ImageFormats = []string{"jpeg", "png"}
