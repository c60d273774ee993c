package chiptool

import (
	"regexp"
	"strings"
)

// UnknownNode marks payload lines whose originating node could not be
// recovered from the surrounding transport log.
const UnknownNode = "UNKNOWN"

var (
	ansiRe  = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	nodeRe  = regexp.MustCompile(`from\s+\d+:(\w{16})`)
	parenRe = regexp.MustCompile(`\(.*?\)`)
)

// skipPhrases marks interaction-model chatter that passes the [DMG]
// filter but carries no payload structure.
var skipPhrases = []string{
	"Received Command Response Status",
	"Received Command Response Data",
	"Subscription established with SubscriptionID",
	"SendReadRequest ReadClient",
	"MoveToState ReadClient",
	"All ReadHandler-s are clean",
	"data version filters provided",
	"Refresh LivenessCheckTime for",
	"SubscribeResponse is received",
}

func isNoise(line string) bool {
	for _, phrase := range skipPhrases {
		if strings.Contains(line, phrase) {
			return true
		}
	}
	return false
}

// Clean reduces a raw chip-tool capture to the interaction-model
// payload text. chip-tool interleaves the payload dump with transport
// and session noise; only the [DMG] log lines carry structure worth
// parsing.
//
// The payload itself never names the reporting node, so Clean watches
// the message-receive lines for the peer node id and injects a
// "NodeID = 0x.." marker ahead of every Endpoint field. Later stages
// then see the node as a regular payload key.
func Clean(raw string) string {
	text := ansiRe.ReplaceAllString(raw, "")
	text = strings.ReplaceAll(text, ",", "")

	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if len(strings.Fields(line)) >= 4 {
			kept = append(kept, line)
		}
	}

	currentNode := ""
	var out []string
	for _, line := range kept {
		if isNoise(line) {
			continue
		}
		if strings.Contains(line, "IM:ReportData") || strings.Contains(line, "IM:InvokeCommandResponse") {
			if m := nodeRe.FindStringSubmatch(line); m != nil {
				currentNode = "0x" + strings.TrimLeft(m[1], "0")
			}
		}
		fields := strings.Fields(line)
		if fields[2] != "[DMG]" || !strings.ContainsAny(line, "[]{}=()") {
			continue
		}
		if strings.Contains(line, "Endpoint =") || strings.Contains(line, "EndpointId =") {
			node := currentNode
			if node == "" || node == "0x" {
				node = UnknownNode
			}
			out = append(out, "NodeID = "+node)
		}
		out = append(out, strings.Join(fields[3:], " "))
	}

	return parenRe.ReplaceAllString(strings.Join(out, " "), "")
}
