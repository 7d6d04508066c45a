package replication

import "errors"

var errLZFCorrupt = errors.New("lzf: corrupt input")

// lzfDecompress expands an LZF block into exactly outLen bytes.
//
// Each control byte is either a literal run (ctrl < 32, followed by ctrl+1
// bytes) or a back reference whose top three bits hold the match length
// minus two (7 meaning another length byte follows) and whose low five bits,
// with the next byte, hold the distance minus one.
func lzfDecompress(in []byte, outLen int) ([]byte, error) {
	out := make([]byte, 0, outLen)

	for i := 0; i < len(in); {
		ctrl := int(in[i])
		i++

		if ctrl < 32 {
			run := ctrl + 1
			if i+run > len(in) || len(out)+run > outLen {
				return nil, errLZFCorrupt
			}
			out = append(out, in[i:i+run]...)
			i += run
			continue
		}

		length := ctrl >> 5
		if length == 7 {
			if i >= len(in) {
				return nil, errLZFCorrupt
			}
			length += int(in[i])
			i++
		}
		length += 2

		if i >= len(in) {
			return nil, errLZFCorrupt
		}
		ref := len(out) - ((ctrl&0x1F)<<8 | int(in[i])) - 1
		i++
		if ref < 0 || len(out)+length > outLen {
			return nil, errLZFCorrupt
		}
		// byte at a time: the match may overlap what it is producing
		for j := 0; j < length; j++ {
			out = append(out, out[ref+j])
		}
	}

	if len(out) != outLen {
		return nil, errLZFCorrupt
	}
	return out, nil
}
