package backend

import (
	"strings"

	"github.com/normanking/antigravity/internal/session"
)

// StopMarkers end generation at their first occurrence.
var StopMarkers = []string{"</s>", "<|user|>", "<|system|>"}

// BuildPrompt renders the system instruction, prior turns and the new user
// message in the role-delimited chat format. Empty messages and media
// replies are omitted from the transcript.
func BuildPrompt(system string, history []session.Turn, prompt string) string {
	var b strings.Builder
	b.WriteString("<|system|>\n")
	b.WriteString(system)
	b.WriteString("</s>\n")
	for _, turn := range history {
		if turn.UserMessage != "" {
			b.WriteString("<|user|>\n")
			b.WriteString(turn.UserMessage)
			b.WriteString("</s>\n")
		}
		if !turn.Assistant.IsMedia() && turn.Assistant.Text != "" {
			b.WriteString("<|assistant|>\n")
			b.WriteString(turn.Assistant.Text)
			b.WriteString("</s>\n")
		}
	}
	b.WriteString("<|user|>\n")
	b.WriteString(prompt)
	b.WriteString("</s>\n<|assistant|>\n")
	return b.String()
}

// stopCutter truncates a fragment stream at the first stop marker. Text
// that could be the start of a marker is held back until it is resolved.
type stopCutter struct {
	markers []string
	pending string
}

func newStopCutter(markers []string) *stopCutter {
	return &stopCutter{markers: markers}
}

// push adds frag and returns the text safe to emit. stopped reports that a
// marker was found; nothing after it may be emitted.
func (c *stopCutter) push(frag string) (out string, stopped bool) {
	buf := c.pending + frag
	cut := -1
	for _, m := range c.markers {
		if i := strings.Index(buf, m); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut >= 0 {
		c.pending = ""
		return buf[:cut], true
	}

	hold := 0
	for _, m := range c.markers {
		for k := min(len(m)-1, len(buf)); k > hold; k-- {
			if strings.HasSuffix(buf, m[:k]) {
				hold = k
				break
			}
		}
	}
	c.pending = buf[len(buf)-hold:]
	return buf[:len(buf)-hold], false
}

// flush returns held-back text once the stream has ended.
func (c *stopCutter) flush() string {
	out := c.pending
	c.pending = ""
	return out
}
