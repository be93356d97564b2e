// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package data

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Special tokens. The padding token must sit at index 0: padding masks,
// embedding zeroing, and pooling all assume it.
const (
	PadToken  = "<pad>"
	UnkToken  = "[UNK]"
	ClsToken  = "[CLS]"
	SepToken  = "[SEP]"
	MaskToken = "[MASK]"
)

// Vocabulary maps tokens to contiguous IDs. Construction of vocabularies
// from corpora happens offline; this type only loads and applies one.
type Vocabulary struct {
	tokenToID map[string]int
	idToToken []string
}

// LoadVocabulary reads a vocabulary file with one token per line. The
// special tokens must be present, and the padding token must be first.
func LoadVocabulary(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocabulary: %w", err)
	}
	defer f.Close()

	v := &Vocabulary{tokenToID: make(map[string]int)}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		tok := strings.TrimSpace(scanner.Text())
		if tok == "" {
			continue
		}
		if _, dup := v.tokenToID[tok]; dup {
			return nil, fmt.Errorf("vocabulary %s: duplicate token %q", path, tok)
		}
		v.tokenToID[tok] = len(v.idToToken)
		v.idToToken = append(v.idToToken, tok)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}

	if len(v.idToToken) == 0 || v.idToToken[0] != PadToken {
		return nil, fmt.Errorf("vocabulary %s: first token must be %q", path, PadToken)
	}
	for _, tok := range []string{UnkToken, ClsToken, SepToken, MaskToken} {
		if _, ok := v.tokenToID[tok]; !ok {
			return nil, fmt.Errorf("vocabulary %s: missing special token %q", path, tok)
		}
	}
	return v, nil
}

func (v *Vocabulary) Size() int   { return len(v.idToToken) }
func (v *Vocabulary) PadID() int  { return 0 }
func (v *Vocabulary) UnkID() int  { return v.tokenToID[UnkToken] }
func (v *Vocabulary) ClsID() int  { return v.tokenToID[ClsToken] }
func (v *Vocabulary) SepID() int  { return v.tokenToID[SepToken] }
func (v *Vocabulary) MaskID() int { return v.tokenToID[MaskToken] }

// ID returns the token's ID, or the unknown ID when absent.
func (v *Vocabulary) ID(token string) int {
	if id, ok := v.tokenToID[token]; ok {
		return id
	}
	return v.UnkID()
}

// Token returns the token string for an ID.
func (v *Vocabulary) Token(id int) string {
	if id < 0 || id >= len(v.idToToken) {
		return UnkToken
	}
	return v.idToToken[id]
}

// IsSpecial reports whether an ID names one of the reserved tokens.
func (v *Vocabulary) IsSpecial(id int) bool {
	switch id {
	case v.PadID(), v.UnkID(), v.ClsID(), v.SepID(), v.MaskID():
		return true
	}
	return false
}

// Tokenize lowercases and splits a caption on whitespace.
func Tokenize(caption string) []string {
	return strings.Fields(strings.ToLower(caption))
}

// Encode tokenizes a caption and produces exactly maxLen IDs:
// [CLS] tokens... [SEP] followed by padding, truncating the middle
// as needed. maxLen must be at least 2.
func (v *Vocabulary) Encode(caption string, maxLen int) []int {
	if maxLen < 2 {
		panic(fmt.Sprintf("data: caption length %d too short for [CLS]/[SEP]", maxLen))
	}
	words := Tokenize(caption)
	if len(words) > maxLen-2 {
		words = words[:maxLen-2]
	}

	ids := make([]int, 0, maxLen)
	ids = append(ids, v.ClsID())
	for _, w := range words {
		ids = append(ids, v.ID(w))
	}
	ids = append(ids, v.SepID())
	for len(ids) < maxLen {
		ids = append(ids, v.PadID())
	}
	return ids
}

// Decode renders IDs back to a caption, skipping special tokens.
func (v *Vocabulary) Decode(ids []int) string {
	var words []string
	for _, id := range ids {
		if v.IsSpecial(id) {
			continue
		}
		words = append(words, v.Token(id))
	}
	return strings.Join(words, " ")
}
