package services

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WordSize is the width of one value in a callback cleartext.
const WordSize = 32

// EncodeWords packs values as 32-byte big-endian words, the layout oracle
// cleartexts use.
func EncodeWords(values ...uint64) []byte {
	out := make([]byte, 0, len(values)*WordSize)
	for _, v := range values {
		out = append(out, CiphertextFromUint64(v)...)
	}
	return out
}

// ErrHandleTooWide is returned by EncodeHandles for a handle that does not
// fit in one word.
var ErrHandleTooWide = errors.New("handle wider than 32 bytes")

// EncodeHandles concatenates handles into a cleartext, left-padding each to
// one 32-byte word.
func EncodeHandles(handles []Ciphertext) ([]byte, error) {
	out := make([]byte, 0, len(handles)*WordSize)
	for i, h := range handles {
		if len(h) > WordSize {
			return nil, fmt.Errorf("handle %d: %w", i, ErrHandleTooWide)
		}
		w := make([]byte, WordSize)
		copy(w[WordSize-len(h):], h)
		out = append(out, w...)
	}
	return out, nil
}

func splitWords(cleartext []byte) ([][]byte, error) {
	if len(cleartext)%WordSize != 0 || len(cleartext)/WordSize < PlanWords {
		return nil, ErrMalformedPlanPayload
	}
	words := make([][]byte, 0, PlanWords)
	for i := 0; i < PlanWords; i++ {
		words = append(words, cleartext[i*WordSize:(i+1)*WordSize])
	}
	return words, nil
}

// decodePlanHandles splits a cleartext into exercise (words 0-6) and
// cognitive (words 7-13) handles. Extra words are ignored.
func decodePlanHandles(cleartext []byte) (exercise, cognitive []Ciphertext, err error) {
	words, err := splitWords(cleartext)
	if err != nil {
		return nil, nil, err
	}
	exercise = make([]Ciphertext, 0, PlanDays)
	cognitive = make([]Ciphertext, 0, PlanDays)
	for i, w := range words {
		if i < PlanDays {
			exercise = append(exercise, cloneCiphertext(w))
		} else {
			cognitive = append(cognitive, cloneCiphertext(w))
		}
	}
	return exercise, cognitive, nil
}

// decodePlanValues is decodePlanHandles for revealed plaintext; every word
// must fit in 64 bits.
func decodePlanValues(cleartext []byte) (exercise, cognitive []uint64, err error) {
	words, err := splitWords(cleartext)
	if err != nil {
		return nil, nil, err
	}
	exercise = make([]uint64, 0, PlanDays)
	cognitive = make([]uint64, 0, PlanDays)
	for i, w := range words {
		for _, b := range w[:WordSize-8] {
			if b != 0 {
				return nil, nil, ErrMalformedPlanPayload
			}
		}
		v := binary.BigEndian.Uint64(w[WordSize-8:])
		if i < PlanDays {
			exercise = append(exercise, v)
		} else {
			cognitive = append(cognitive, v)
		}
	}
	return exercise, cognitive, nil
}
