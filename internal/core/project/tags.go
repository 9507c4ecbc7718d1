package project

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// =============================================================================
// Default Tags
// =============================================================================

// DefaultTags maps untagged image names to the tag that should be applied
// to them, typically produced by a CI system to lock down versions.
//
// The file format is newline-delimited tagged image names:
//
//	example/app:git-1a2b3c
//	postgres:16.3
//
// Blank lines and lines starting with '#' are ignored.
type DefaultTags struct {
	tags map[string]string
}

// ReadDefaultTags parses a default-tags stream.
func ReadDefaultTags(r io.Reader) (*DefaultTags, error) {
	tags := map[string]string{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, tag, ok := splitImageTag(line)
		if !ok {
			return nil, fmt.Errorf("default tags line %d: %q has no tag", lineNo, line)
		}
		tags[name] = tag
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &DefaultTags{tags: tags}, nil
}

// TagFor returns the default tag for an image name, if one is known.
func (t *DefaultTags) TagFor(image string) (string, bool) {
	if t == nil {
		return "", false
	}
	tag, ok := t.tags[image]
	return tag, ok
}

// ApplyTo suffixes an untagged image reference with its default tag, if
// any. Already-tagged references are returned unchanged: an explicit tag,
// whether from a base definition or a target overlay, always wins over
// default tags.
func (t *DefaultTags) ApplyTo(image string) string {
	if imageTagged(image) {
		return image
	}
	if tag, ok := t.TagFor(image); ok {
		return image + ":" + tag
	}
	return image
}

// splitImageTag splits "name:tag" at the tag colon, tolerating registry
// ports in the name part.
func splitImageTag(image string) (name, tag string, ok bool) {
	slash := strings.LastIndex(image, "/")
	colon := strings.LastIndex(image, ":")
	if colon <= slash {
		return image, "", false
	}
	return image[:colon], image[colon+1:], true
}
