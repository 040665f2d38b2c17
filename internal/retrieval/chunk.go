package retrieval

import "strings"

// SplitText breaks a document into chunks of at most size runes, packing whole
// paragraphs together where possible. Oversized paragraphs are hard-split with
// overlap runes carried between consecutive pieces so sentence fragments at a
// boundary stay queryable.
func SplitText(text string, size, overlap int) []string {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	paragraphs := strings.Split(text, "\n\n")
	var chunks []string
	var current strings.Builder

	flush := func() {
		if c := strings.TrimSpace(current.String()); c != "" {
			chunks = append(chunks, c)
		}
		current.Reset()
	}

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		runes := []rune(p)
		if len(runes) > size {
			flush()
			for start := 0; start < len(runes); start += size - overlap {
				end := start + size
				if end > len(runes) {
					end = len(runes)
				}
				piece := strings.TrimSpace(string(runes[start:end]))
				if piece != "" {
					chunks = append(chunks, piece)
				}
				if end == len(runes) {
					break
				}
			}
			continue
		}
		if current.Len() > 0 && current.Len()+len(runes)+2 > size {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	flush()
	return chunks
}
