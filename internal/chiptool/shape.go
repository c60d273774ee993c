package chiptool

import (
	"fmt"
	"strconv"
)

// ShapeRecords extracts the attribute reports and command responses
// carried by one parsed payload block. Every ReportDataMessage item is
// shaped, not just the first. A block that matches no known message
// shape yields a single record carrying the parsed tree in raw_data.
func ShapeRecords(parsed any, r Resolver) []Record {
	if root, ok := parsed.(map[string]any); ok {
		if msg, ok := root["ReportDataMessage"].(map[string]any); ok {
			if records := shapeReports(msg, r); len(records) > 0 {
				return records
			}
		}
		if msg, ok := root["InvokeResponseMessage"].(map[string]any); ok {
			if records := shapeInvokeResponses(msg, r); len(records) > 0 {
				return records
			}
		}
	}
	return []Record{{RawData: parsed}}
}

func shapeReports(msg map[string]any, r Resolver) []Record {
	var records []Record
	for _, report := range groupList(msg["AttributeReportIBs"]) {
		ib, ok := report["AttributeReportIB"].(map[string]any)
		if !ok {
			continue
		}
		dataIB, ok := ib["AttributeDataIB"].(map[string]any)
		if !ok {
			continue
		}
		path, ok := dataIB["AttributePathIB"].(map[string]any)
		if !ok {
			continue
		}
		rec := Record{
			Node:     nodeOf(path["NodeID"]),
			Endpoint: endpointOf(path["Endpoint"]),
		}
		clusterID, haveCluster := asUint(path["Cluster"])
		rec.Cluster = clusterName(r, clusterID, haveCluster)
		if attrID, ok := asUint(path["Attribute"]); ok {
			name, found := "", false
			if haveCluster {
				name, found = r.AttributeNameByCode(uint32(clusterID), uint32(attrID))
			}
			if !found {
				name = fmt.Sprintf("Attribute_0x%04x", attrID)
			}
			rec.Attribute = name
		}
		if data, present := dataIB["Data"]; present {
			rec.Value = data
		}
		records = append(records, rec)
	}
	return records
}

func shapeInvokeResponses(msg map[string]any, r Resolver) []Record {
	var records []Record
	for _, response := range groupList(msg["InvokeResponseIBs"]) {
		ib, ok := response["InvokeResponseIB"].(map[string]any)
		if !ok {
			continue
		}
		if data, ok := ib["CommandDataIB"].(map[string]any); ok {
			rec, ok := commandRecord(data["CommandPathIB"], r)
			if !ok {
				continue
			}
			switch fields := data["CommandFields"].(type) {
			case map[string]any:
				rec.CommandFields = stringifyFields(fields)
			case nil:
			default:
				rec.RawData = fields
			}
			records = append(records, rec)
			continue
		}
		if status, ok := ib["CommandStatusIB"].(map[string]any); ok {
			rec, ok := commandRecord(status["CommandPathIB"], r)
			if !ok {
				continue
			}
			if sib, ok := status["StatusIB"].(map[string]any); ok {
				if st, present := sib["status"]; present {
					rec.Status = fmt.Sprint(st)
				}
			}
			records = append(records, rec)
		}
	}
	return records
}

func commandRecord(pathVal any, r Resolver) (Record, bool) {
	path, ok := pathVal.(map[string]any)
	if !ok {
		return Record{}, false
	}
	rec := Record{
		Node:     nodeOf(path["NodeID"]),
		Endpoint: endpointOf(path["EndpointId"]),
	}
	clusterID, haveCluster := asUint(path["ClusterId"])
	rec.Cluster = clusterName(r, clusterID, haveCluster)
	if cmdID, ok := asUint(path["CommandId"]); ok {
		name, found := "", false
		if haveCluster {
			name, found = r.CommandNameByCode(uint32(clusterID), uint32(cmdID))
		}
		if !found {
			name = fmt.Sprintf("Command_0x%02x", cmdID)
		}
		rec.Command = name
	}
	return rec, true
}

func clusterName(r Resolver, id uint64, have bool) string {
	if !have {
		return ""
	}
	if name, ok := r.ClusterNameByID(uint32(id)); ok {
		return name
	}
	return fmt.Sprintf("Cluster_0x%04x", id)
}

// stringifyFields renders scalar command-field values as decimal
// strings. Downstream checks compare field values textually, so the
// commissioning OK status arrives as the string "0".
func stringifyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if n, ok := v.(uint64); ok {
			out[k] = strconv.FormatUint(n, 10)
		} else {
			out[k] = v
		}
	}
	return out
}

// groupList views a parsed IB container as a list of maps. A single
// entry collapses to a bare map during parsing, so both shapes appear.
func groupList(v any) []map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func asUint(v any) (uint64, bool) {
	n, ok := v.(uint64)
	return n, ok
}

func nodeOf(v any) uint64 {
	if n, ok := asUint(v); ok {
		return n
	}
	return 0
}

func endpointOf(v any) uint16 {
	if n, ok := asUint(v); ok {
		return uint16(n)
	}
	return 0
}
