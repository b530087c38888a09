package lambda

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mattkinnersley/interceptor/internal/config"
)

// ErrNoResult is returned when handler output does not contain a result in
// the shape its runtime is expected to print.
var ErrNoResult = errors.New("no result in handler output")

// ResultExtractor pulls the handler result out of its combined output. The
// heuristics are tied to what each runtime image prints; a handler image that
// changes its output format breaks extraction without any other signal.
type ResultExtractor interface {
	Extract(output string) (string, error)
}

// LastJSON returns the last brace-delimited object on a single line. Objects
// are matched non-greedily, so nested objects yield their innermost prefix.
type LastJSON struct{}

var braceBlock = regexp.MustCompile(`\{.+?\}`)

func (LastJSON) Extract(output string) (string, error) {
	matches := braceBlock.FindAllString(output, -1)
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: no JSON object found", ErrNoResult)
	}
	return matches[len(matches)-1], nil
}

// BlankLineBlock returns the second block of output, blocks being separated by
// an empty line.
type BlankLineBlock struct{}

func (BlankLineBlock) Extract(output string) (string, error) {
	blocks := strings.Split(output, "\n\n")
	if len(blocks) < 2 {
		return "", fmt.Errorf("%w: expected a blank-line separated block", ErrNoResult)
	}
	return blocks[1], nil
}

// ExtractorFor maps a configured extractor name to its implementation.
func ExtractorFor(name string) (ResultExtractor, error) {
	switch name {
	case config.ExtractorLastJSON:
		return LastJSON{}, nil
	case config.ExtractorBlankLineBlock, "":
		return BlankLineBlock{}, nil
	default:
		return nil, fmt.Errorf("unknown result extractor %q", name)
	}
}
