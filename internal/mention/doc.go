// Package mention extracts @name tokens from free chat text.
//
// Parse returns every mention token in order, lowercased, duplicates
// retained; hyphens count as name characters and other punctuation
// terminates a token, so "@coder," mentions "coder". Mentions answers
// whether a specific agent is addressed and additionally supports
// multi-word display names ("@Testing Agent"), which Parse cannot
// recognize without knowing the name in advance. Both are pure functions
// with no failure mode.
package mention
