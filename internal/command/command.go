// Package command classifies final voice transcripts into recording
// commands.
//
// Classification is a pure function of the transcript text: the text is
// normalised (lowercased, punctuation stripped, whitespace collapsed) and then
// checked against an ordered list of patterns. The first matching pattern
// wins. Transcripts that match nothing classify as [KindNone].
//
// The grammar is anchored on a wake word ("dexter" by default) and allows
// arbitrary words between anchors:
//
//	dexter ... start ... recording ... for ... scene <S> for ... object <O>
//	dexter ... stop ... recording
//
// Guided setup uses three shorter forms that are only meaningful to a
// session in the matching step:
//
//	dexter ... start ... recording
//	dexter ... scene <S>
//	dexter ... object <O>
package command

import (
	"regexp"
	"strings"
	"unicode"
)

// DefaultWakeWord is the anchor every command starts with.
const DefaultWakeWord = "dexter"

// Kind identifies the recording command a transcript maps to.
type Kind string

const (
	// KindNone means the transcript is not a command.
	KindNone Kind = "none"

	// KindStartRecording starts streaming capture for a scene/object pair.
	KindStartRecording Kind = "start_recording"

	// KindStopRecording stops streaming capture.
	KindStopRecording Kind = "stop_recording"

	// KindBeginSetup starts a guided setup that asks for the labels.
	KindBeginSetup Kind = "begin_setup"

	// KindSetScene supplies the scene label of a guided setup.
	KindSetScene Kind = "set_scene"

	// KindSetObject supplies the object label of a guided setup.
	KindSetObject Kind = "set_object"
)

// Command is the result of classifying a transcript. Scene and Object are
// already normalised labels and are only set for the kinds that carry them.
type Command struct {
	Kind   Kind
	Scene  string
	Object string
}

// pattern pairs a compiled regex with a constructor for the command it
// yields. Groups are passed as matches[1], matches[2], ...
type pattern struct {
	name  string
	regex *regexp.Regexp
	build func(matches []string) Command
}

// Interpreter classifies transcripts. It is read-only after construction and
// safe for concurrent use.
type Interpreter struct {
	wakeWord string
	patterns []pattern
	wake     *WakeWordMatcher
}

// Option configures an [Interpreter].
type Option func(*Interpreter)

// WithWakeWord replaces the default "dexter" anchor.
func WithWakeWord(word string) Option {
	return func(in *Interpreter) {
		if w := strings.ToLower(strings.TrimSpace(word)); w != "" {
			in.wakeWord = w
		}
	}
}

// WithPhoneticWakeWord enables rewriting of near-homophones of the wake word
// (e.g. "dexta") before classification.
func WithPhoneticWakeWord(m *WakeWordMatcher) Option {
	return func(in *Interpreter) {
		in.wake = m
	}
}

// New returns an Interpreter with the built-in grammar.
func New(opts ...Option) *Interpreter {
	in := &Interpreter{wakeWord: DefaultWakeWord}
	for _, o := range opts {
		o(in)
	}
	in.patterns = buildPatterns(regexp.QuoteMeta(in.wakeWord))
	return in
}

// WakeWord returns the anchor the interpreter listens for.
func (in *Interpreter) WakeWord() string { return in.wakeWord }

// Interpret classifies a raw transcript. isFinal must be true for the text to
// be considered; interim transcripts always classify as [KindNone].
func (in *Interpreter) Interpret(text string, isFinal bool) Command {
	if !isFinal {
		return Command{Kind: KindNone}
	}
	return in.Classify(Normalize(text))
}

// Classify classifies already normalised text.
func (in *Interpreter) Classify(normalized string) Command {
	if normalized == "" {
		return Command{Kind: KindNone}
	}
	if in.wake != nil {
		normalized = in.wake.Rewrite(normalized, in.wakeWord)
	}
	for _, p := range in.patterns {
		if m := p.regex.FindStringSubmatch(normalized); m != nil {
			return p.build(m)
		}
	}
	return Command{Kind: KindNone}
}

// buildPatterns returns the grammar in precedence order. The one-shot start
// form must be tried before the bare "start recording" form.
func buildPatterns(wake string) []pattern {
	return []pattern{
		{
			name:  "start-recording",
			regex: regexp.MustCompile(`\b` + wake + `\b.*\bstart\b.*\brecording\b.*\bfor\b.*\bscene\s+(.+?)\s+for\b.*\bobject\s+(.+)$`),
			build: func(m []string) Command {
				return Command{Kind: KindStartRecording, Scene: Label(m[1]), Object: Label(m[2])}
			},
		},
		{
			name:  "stop-recording",
			regex: regexp.MustCompile(`\b` + wake + `\b.*\bstop\b.*\brecording\b`),
			build: func([]string) Command { return Command{Kind: KindStopRecording} },
		},
		{
			name:  "begin-setup",
			regex: regexp.MustCompile(`\b` + wake + `\b.*\bstart\b.*\brecording\b`),
			build: func([]string) Command { return Command{Kind: KindBeginSetup} },
		},
		{
			name:  "set-scene",
			regex: regexp.MustCompile(`\b` + wake + `\b.*\bscene\s+(.+)$`),
			build: func(m []string) Command { return Command{Kind: KindSetScene, Scene: Label(m[1])} },
		},
		{
			name:  "set-object",
			regex: regexp.MustCompile(`\b` + wake + `\b.*\bobject\s+(.+)$`),
			build: func(m []string) Command { return Command{Kind: KindSetObject, Object: Label(m[1])} },
		},
	}
}

// Normalize lowercases text, replaces punctuation with spaces, and collapses
// runs of whitespace to a single space.
func Normalize(text string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		case r == '\'':
			// "don't" stays one word.
			return -1
		default:
			return ' '
		}
	}, text)
	return strings.Join(strings.Fields(mapped), " ")
}

// Label turns a spoken label into a storage-path-safe one: trimmed,
// lowercased, inner whitespace collapsed to single underscores.
func Label(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), "_"))
}
