package payload

import (
	"bytes"

	"golang.org/x/net/html"
)

type documentScan struct {
	// headEnd is the byte offset just past the <head> start tag, or -1.
	headEnd int
	// hasID reports whether any start tag carries one of the watched ids.
	hasID bool
}

// scanDocument walks the token stream without building a tree so the
// original bytes can be spliced verbatim.
func scanDocument(doc []byte, ids ...string) documentScan {
	scan := documentScan{headEnd: -1}
	z := html.NewTokenizer(bytes.NewReader(doc))
	offset := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return scan
		}
		offset += len(z.Raw())
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		name, hasAttr := z.TagName()
		if scan.headEnd < 0 && string(name) == "head" {
			scan.headEnd = offset
		}
		for hasAttr {
			var key, val []byte
			key, val, hasAttr = z.TagAttr()
			if string(key) != "id" {
				continue
			}
			for _, id := range ids {
				if string(val) == id {
					scan.hasID = true
					return scan
				}
			}
		}
	}
}

// HeadOffset returns the offset just past the first <head> start tag.
func HeadOffset(doc []byte) (int, bool) {
	scan := scanDocument(doc)
	return scan.headEnd, scan.headEnd >= 0
}

// SpliceHead inserts markup right after the first <head> start tag. ok is
// false when doc has no <head>. When a start tag already carries one of ids
// the document is returned unchanged with ok true.
func SpliceHead(doc []byte, markup string, ids ...string) ([]byte, bool) {
	scan := scanDocument(doc, ids...)
	if scan.hasID {
		return doc, true
	}
	if scan.headEnd < 0 {
		return doc, false
	}
	if markup == "" {
		return doc, true
	}
	return splice(doc, scan.headEnd, markup), true
}

func splice(doc []byte, at int, markup string) []byte {
	out := make([]byte, 0, len(doc)+len(markup))
	out = append(out, doc[:at]...)
	out = append(out, markup...)
	out = append(out, doc[at:]...)
	return out
}
