package conflicts

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

type document = map[string]any

const identityField = "id"

var (
	startFields      = []string{"startTime", "start_time", "start"}
	endFields        = []string{"endTime", "end_time", "end"}
	durationFields   = []string{"duration", "durationMinutes", "duration_minutes"}
	notesFields      = []string{"notes", "note", "description"}
	completionFields = []string{"completion", "completionPercentage", "completion_percentage"}

	progressOrder = map[string]int{
		"NEW":              0,
		"IN_PROGRESS":      1,
		"READY_FOR_PICKUP": 2,
		"APPROVED":         3,
		"PAID":             4,
	}
)

// mergeTimeWindow widens the window to cover both edits and recomputes the
// duration in whole minutes. Differing notes are concatenated.
func mergeTimeWindow(client, server document, clientTimestamp time.Time) document {
	merged := overlay(server, client)

	startKey := firstKey(startFields, client, server)
	endKey := firstKey(endFields, client, server)
	start, startRaw, hasStart := pickTime(client, server, startKey, func(a, b time.Time) bool { return a.Before(b) })
	end, endRaw, hasEnd := pickTime(client, server, endKey, func(a, b time.Time) bool { return a.After(b) })
	if hasStart {
		merged[startKey] = startRaw
	}
	if hasEnd {
		merged[endKey] = endRaw
	}

	minutes := int64(0)
	if hasStart && hasEnd && end.After(start) {
		minutes = int64(end.Sub(start) / time.Minute)
	}
	merged[firstKey(durationFields, client, server)] = minutes

	notesKey := firstKey(notesFields, client, server)
	if notes, ok := mergeNotes(stringField(client, notesKey), stringField(server, notesKey), clientTimestamp); ok {
		merged[notesKey] = notes
	}
	return merged
}

func mergeNotes(client, server string, clientTimestamp time.Time) (string, bool) {
	switch {
	case client == "" && server == "":
		return "", false
	case client == "" || client == server:
		return server, true
	case server == "":
		return client, true
	default:
		separator := "\n--- " + clientTimestamp.UTC().Format(time.RFC3339) + " ---\n"
		return server + separator + client, true
	}
}

// mergeProgress advances status and completion monotonically, sums the
// configured accumulators, and merges id-keyed lists by taking numeric maxima.
func mergeProgress(client, server document, accumulators []string) document {
	merged := overlay(server, client)

	clientStatus, serverStatus := stringField(client, "status"), stringField(server, "status")
	if clientStatus != "" || serverStatus != "" {
		merged["status"] = advancedStatus(clientStatus, serverStatus)
	}

	completionKey := firstKey(completionFields, client, server)
	if value, ok := maxNumber(client[completionKey], server[completionKey]); ok {
		merged[completionKey] = value
	}

	for _, field := range accumulators {
		clientValue, clientOK := numberOf(client[field])
		serverValue, serverOK := numberOf(server[field])
		if clientOK || serverOK {
			merged[field] = normalizeNumber(clientValue + serverValue)
		}
	}

	for key, serverValue := range server {
		serverList, serverIsList := serverValue.([]any)
		clientList, clientIsList := client[key].([]any)
		if serverIsList && clientIsList && isKeyedList(serverList) && isKeyedList(clientList) {
			merged[key] = mergeKeyedLists(clientList, serverList, maxNumericMerge)
		}
	}
	return merged
}

func advancedStatus(client, server string) string {
	clientRank, clientKnown := progressOrder[strings.ToUpper(client)]
	serverRank, serverKnown := progressOrder[strings.ToUpper(server)]
	switch {
	case clientKnown && serverKnown:
		if clientRank > serverRank {
			return client
		}
		return server
	case clientKnown:
		return client
	case serverKnown || server != "":
		return server
	default:
		return client
	}
}

// deepMerge combines two documents: nested objects merge recursively, id-keyed
// arrays merge element-wise, and for scalars the client value wins.
func deepMerge(client, server document) document {
	merged := make(document, len(server)+len(client))
	for key, value := range server {
		merged[key] = value
	}
	for key, clientValue := range client {
		serverValue, exists := server[key]
		if !exists {
			merged[key] = clientValue
			continue
		}
		merged[key] = mergeValues(clientValue, serverValue)
	}
	return merged
}

func mergeValues(clientValue, serverValue any) any {
	switch clientTyped := clientValue.(type) {
	case document:
		if serverTyped, ok := serverValue.(document); ok {
			return deepMerge(clientTyped, serverTyped)
		}
	case []any:
		if serverTyped, ok := serverValue.([]any); ok {
			return mergeKeyedLists(clientTyped, serverTyped, deepMerge)
		}
	}
	return clientValue
}

// mergeKeyedLists keeps server order, merges elements matched on the identity
// field, and appends unmatched client elements.
func mergeKeyedLists(client, server []any, combine func(client, server document) document) []any {
	clientByID := make(map[string]document)
	for _, element := range client {
		if object, ok := element.(document); ok {
			if id, ok := identityOf(object); ok {
				clientByID[id] = object
			}
		}
	}

	merged := make([]any, 0, len(server)+len(client))
	matched := make(map[string]bool)
	for _, element := range server {
		object, ok := element.(document)
		if !ok {
			merged = append(merged, element)
			continue
		}
		id, ok := identityOf(object)
		if !ok {
			merged = append(merged, element)
			continue
		}
		if counterpart, found := clientByID[id]; found {
			merged = append(merged, combine(counterpart, object))
			matched[id] = true
			continue
		}
		merged = append(merged, element)
	}
	for _, element := range client {
		if object, ok := element.(document); ok {
			if id, ok := identityOf(object); ok && matched[id] {
				continue
			}
		}
		if containsValue(merged, element) {
			continue
		}
		merged = append(merged, element)
	}
	return merged
}

func maxNumericMerge(client, server document) document {
	merged := overlay(server, client)
	for key, serverValue := range server {
		if value, ok := maxNumber(client[key], serverValue); ok {
			merged[key] = value
		}
	}
	return merged
}

func isKeyedList(values []any) bool {
	if len(values) == 0 {
		return true
	}
	for _, element := range values {
		object, ok := element.(document)
		if !ok {
			return false
		}
		if _, ok := identityOf(object); !ok {
			return false
		}
	}
	return true
}

func identityOf(object document) (string, bool) {
	switch value := object[identityField].(type) {
	case string:
		return value, value != ""
	case json.Number:
		return value.String(), true
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64), true
	default:
		return "", false
	}
}

func containsValue(values []any, candidate any) bool {
	encodedCandidate, err := json.Marshal(candidate)
	if err != nil {
		return false
	}
	for _, value := range values {
		encoded, err := json.Marshal(value)
		if err == nil && string(encoded) == string(encodedCandidate) {
			return true
		}
	}
	return false
}

func overlay(base, top document) document {
	merged := make(document, len(base)+len(top))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range top {
		merged[key] = value
	}
	return merged
}

func firstKey(candidates []string, documents ...document) string {
	for _, candidate := range candidates {
		for _, doc := range documents {
			if _, ok := doc[candidate]; ok {
				return candidate
			}
		}
	}
	return candidates[0]
}

func stringField(doc document, key string) string {
	value, _ := doc[key].(string)
	return value
}

// pickTime returns the preferred bound and its original encoding, which is
// either an RFC 3339 string or epoch milliseconds.
func pickTime(client, server document, key string, prefer func(a, b time.Time) bool) (time.Time, any, bool) {
	clientRaw, serverRaw := client[key], server[key]
	clientTime, clientOK := parseTime(clientRaw)
	serverTime, serverOK := parseTime(serverRaw)
	switch {
	case clientOK && serverOK:
		if prefer(clientTime, serverTime) {
			return clientTime, clientRaw, true
		}
		return serverTime, serverRaw, true
	case clientOK:
		return clientTime, clientRaw, true
	case serverOK:
		return serverTime, serverRaw, true
	default:
		return time.Time{}, nil, false
	}
}

func parseTime(value any) (time.Time, bool) {
	if text, ok := value.(string); ok {
		if text == "" {
			return time.Time{}, false
		}
		parsed, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	millis, ok := numberOf(value)
	if !ok || millis <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(millis)).UTC(), true
}

func numberOf(value any) (float64, bool) {
	switch typed := value.(type) {
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	case float64:
		return typed, true
	case int64:
		return float64(typed), true
	case int:
		return float64(typed), true
	default:
		return 0, false
	}
}

func maxNumber(left, right any) (any, bool) {
	leftValue, leftOK := numberOf(left)
	rightValue, rightOK := numberOf(right)
	switch {
	case leftOK && rightOK:
		return normalizeNumber(math.Max(leftValue, rightValue)), true
	case leftOK:
		return normalizeNumber(leftValue), true
	case rightOK:
		return normalizeNumber(rightValue), true
	default:
		return nil, false
	}
}

func normalizeNumber(value float64) any {
	if value == math.Trunc(value) && math.Abs(value) < 1<<53 {
		return int64(value)
	}
	return value
}
