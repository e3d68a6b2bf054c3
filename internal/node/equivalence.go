package node

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ConditionsEqual reports structural equality of two condition trees. Rather
// than hand-rolling a recursive struct comparator (and having to keep it in
// sync with every new Condition field), it marshals both trees and walks
// them with gjson, producing a canonical (sorted-key) rendering to compare —
// the same technique the pack uses elsewhere to compare opaque JSON
// payloads (services/datafeeds, services/requests/marble/dispatcher).
func ConditionsEqual(a, b Condition) bool {
	ca, errA := canonicalCondition(a)
	cb, errB := canonicalCondition(b)
	if errA != nil || errB != nil {
		return false
	}
	return ca == cb
}

func canonicalCondition(c Condition) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return canonicalize(gjson.ParseBytes(raw)), nil
}

// canonicalize renders a gjson.Result as JSON text with object keys sorted,
// so two structurally-identical-but-differently-ordered trees compare equal.
func canonicalize(v gjson.Result) string {
	switch {
	case v.IsObject():
		type pair struct {
			key string
			val string
		}
		var pairs []pair
		v.ForEach(func(key, value gjson.Result) bool {
			pairs = append(pairs, pair{key.String(), canonicalize(value)})
			return true
		})
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })
		var sb strings.Builder
		sb.WriteByte('{')
		for i, p := range pairs {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(p.key))
			sb.WriteByte(':')
			sb.WriteString(p.val)
		}
		sb.WriteByte('}')
		return sb.String()
	case v.IsArray():
		items := v.Array()
		var sb strings.Builder
		sb.WriteByte('[')
		for i, item := range items {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(canonicalize(item))
		}
		sb.WriteByte(']')
		return sb.String()
	default:
		return v.Raw
	}
}
