package chiptool

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawOnOffRead is a capture of "onoff read on-off 1 1" trimmed to the
// lines that matter for the pipeline.
const rawOnOffRead = "[1698401436.982925] [12553:12555] [EM] >>> [E:30667i S:61505 M:80830154] (S) Msg RX from 1:0000000000000001 [961C] --- Type 0001:05 (IM:ReportData)\n" +
	"[1698401436.983015] [12553:12555] [DMG] ReportDataMessage =\n" +
	"[1698401436.983046] [12553:12555] [DMG] {\n" +
	"[1698401436.983087] [12553:12555] [DMG] \tAttributeReportIBs =\n" +
	"[1698401436.983133] [12553:12555] [DMG] \t[\n" +
	"[1698401436.983173] [12553:12555] [DMG] \t\tAttributeReportIB =\n" +
	"[1698401436.983219] [12553:12555] [DMG] \t\t{\n" +
	"[1698401436.983259] [12553:12555] [DMG] \t\t\tAttributeDataIB =\n" +
	"[1698401436.983305] [12553:12555] [DMG] \t\t\t{\n" +
	"[1698401436.983348] [12553:12555] [DMG] \t\t\t\tDataVersion = 0x87c80a3d,\n" +
	"[1698401436.983393] [12553:12555] [DMG] \t\t\t\tAttributePathIB =\n" +
	"[1698401436.983438] [12553:12555] [DMG] \t\t\t\t{\n" +
	"[1698401436.983481] [12553:12555] [DMG] \t\t\t\t\tEndpoint = 0x1,\n" +
	"[1698401436.983525] [12553:12555] [DMG] \t\t\t\t\tCluster = 0x6,\n" +
	"[1698401436.983570] [12553:12555] [DMG] \t\t\t\t\tAttribute = 0x0000_0000,\n" +
	"[1698401436.983615] [12553:12555] [DMG] \t\t\t\t}\n" +
	"[1698401436.983662] [12553:12555] [DMG] \t\t\t\tData = true,\n" +
	"[1698401436.983706] [12553:12555] [DMG] \t\t\t},\n" +
	"[1698401436.983748] [12553:12555] [DMG] \t\t},\n" +
	"[1698401436.983789] [12553:12555] [DMG] \t],\n" +
	"[1698401436.983833] [12553:12555] [DMG] \tSuppressResponse = true,\n" +
	"[1698401436.983873] [12553:12555] [DMG] \tInteractionModelRevision = 11\n" +
	"[1698401436.983912] [12553:12555] [DMG] }\n"

// rawCommissioningComplete is the CommissioningComplete response as
// chip-tool prints it at the end of "pairing code".
const rawCommissioningComplete = "[1698401500.120001] [12553:12555] [EM] >>> [E:30668i S:61505 M:80830155] (S) Msg RX from 1:0000000000000002 [961C] --- Type 0001:09 (IM:InvokeCommandResponse)\n" +
	"[1698401500.120100] [12553:12555] [DMG] InvokeResponseMessage =\n" +
	"[1698401500.120140] [12553:12555] [DMG] {\n" +
	"[1698401500.120180] [12553:12555] [DMG] \tsuppressResponse = false,\n" +
	"[1698401500.120220] [12553:12555] [DMG] \tInvokeResponseIBs =\n" +
	"[1698401500.120260] [12553:12555] [DMG] \t[\n" +
	"[1698401500.120300] [12553:12555] [DMG] \t\tInvokeResponseIB =\n" +
	"[1698401500.120340] [12553:12555] [DMG] \t\t{\n" +
	"[1698401500.120380] [12553:12555] [DMG] \t\t\tCommandDataIB =\n" +
	"[1698401500.120420] [12553:12555] [DMG] \t\t\t{\n" +
	"[1698401500.120460] [12553:12555] [DMG] \t\t\t\tCommandPathIB =\n" +
	"[1698401500.120500] [12553:12555] [DMG] \t\t\t\t{\n" +
	"[1698401500.120540] [12553:12555] [DMG] \t\t\t\t\tEndpointId = 0x0,\n" +
	"[1698401500.120580] [12553:12555] [DMG] \t\t\t\t\tClusterId = 0x30,\n" +
	"[1698401500.120620] [12553:12555] [DMG] \t\t\t\t\tCommandId = 0x5,\n" +
	"[1698401500.120660] [12553:12555] [DMG] \t\t\t\t},\n" +
	"[1698401500.120700] [12553:12555] [DMG] \t\t\t\tCommandFields =\n" +
	"[1698401500.120740] [12553:12555] [DMG] \t\t\t\t{\n" +
	"[1698401500.120780] [12553:12555] [DMG] \t\t\t\t\t0x0 = 0,\n" +
	"[1698401500.120820] [12553:12555] [DMG] \t\t\t\t},\n" +
	"[1698401500.120860] [12553:12555] [DMG] \t\t\t},\n" +
	"[1698401500.120900] [12553:12555] [DMG] \t\t},\n" +
	"[1698401500.120940] [12553:12555] [DMG] \t],\n" +
	"[1698401500.120980] [12553:12555] [DMG] \tInteractionModelRevision = 11\n" +
	"[1698401500.121020] [12553:12555] [DMG] }\n"

type fakeResolver struct{}

func (fakeResolver) ClusterNameByID(id uint32) (string, bool) {
	switch id {
	case 0x0006:
		return "On/Off", true
	case 0x0030:
		return "General Commissioning", true
	}
	return "", false
}

func (fakeResolver) AttributeNameByCode(clusterID, code uint32) (string, bool) {
	if clusterID == 0x0006 && code == 0x0000 {
		return "OnOff", true
	}
	return "", false
}

func (fakeResolver) CommandNameByCode(clusterID, code uint32) (string, bool) {
	if clusterID == 0x0030 && code == 0x05 {
		return "CommissioningCompleteResponse", true
	}
	return "", false
}

func TestCleanInjectsNodeBeforeEveryEndpoint(t *testing.T) {
	cleaned := Clean(rawOnOffRead)

	assert.Contains(t, cleaned, "NodeID = 0x1 Endpoint = 0x1")
	assert.NotContains(t, cleaned, ",")
	assert.NotContains(t, cleaned, "Msg RX")

	// Every Endpoint key must be preceded by a NodeID marker.
	endpoints := strings.Count(cleaned, "Endpoint =")
	nodes := strings.Count(cleaned, "NodeID =")
	require.Positive(t, endpoints)
	assert.Equal(t, endpoints, nodes)
}

func TestCleanMarksUnknownNodeWithoutTransportLine(t *testing.T) {
	raw := "[1.0] [1:1] [DMG] ReportDataMessage =\n" +
		"[1.0] [1:1] [DMG] {\n" +
		"[1.0] [1:1] [DMG] \tEndpoint = 0x1\n" +
		"[1.0] [1:1] [DMG] }\n"

	cleaned := Clean(raw)
	assert.Contains(t, cleaned, "NodeID = UNKNOWN")
}

func TestCleanDropsNoiseLines(t *testing.T) {
	noise := []string{
		"Received Command Response Status = 0x0",
		"Received Command Response Data = {}",
		"Subscription established with SubscriptionID = 123",
		"SendReadRequest ReadClient[0xabc] (state=idle)",
		"MoveToState ReadClient[0xffff9receive]: Moving to [AwaitingIn]",
		"All ReadHandler-s are clean clear GlobalDirtySet =",
		"Final negotiated data version filters provided = [0]",
		"Refresh LivenessCheckTime for 33024ms = {}",
		"SubscribeResponse is received = {}",
	}
	raw := "[1.0] [1:1] [DMG] ReportDataMessage = {\n"
	for _, line := range noise {
		raw += "[1.0] [1:1] [DMG] " + line + "\n"
	}
	raw += "[1.0] [1:1] [DMG] }\n"

	cleaned := Clean(raw)
	assert.Equal(t, "ReportDataMessage = { }", cleaned)
	for _, marker := range []string{
		"Response Status", "Response Data", "Subscription",
		"ReadClient", "ReadHandler", "version filters",
		"LivenessCheckTime", "SubscribeResponse",
	} {
		assert.NotContains(t, cleaned, marker)
	}
}

func TestCleanStripsAnsiAndParens(t *testing.T) {
	raw := "[1.0] [1:1] [DMG] \x1b[32mData = 1 (unsigned)\x1b[0m\n"

	cleaned := Clean(raw)
	assert.Equal(t, "Data = 1 ", cleaned)
}

func TestExtractBlocksFindsTopLevelMessages(t *testing.T) {
	cleaned := Clean(rawOnOffRead + rawCommissioningComplete)

	blocks := ExtractBlocks(cleaned)
	require.Len(t, blocks, 2)
	assert.True(t, strings.HasPrefix(blocks[0], "ReportDataMessage ="))
	assert.True(t, strings.HasPrefix(blocks[1], "InvokeResponseMessage ="))
	assert.True(t, strings.HasSuffix(blocks[0], "}"))
}

func TestExtractBlocksToleratesStrayClosers(t *testing.T) {
	blocks := ExtractBlocks("} } Msg = { A = 1 } }")
	require.Len(t, blocks, 1)
	assert.Equal(t, "Msg = { A = 1 }", blocks[0])
}

func TestParseHexAndDecimalAgree(t *testing.T) {
	hex, err := Parse("X = 0x10")
	require.NoError(t, err)
	dec, err := Parse("X = 16")
	require.NoError(t, err)
	assert.Equal(t, dec, hex)
	assert.Equal(t, map[string]any{"X": uint64(16)}, hex)
}

func TestParseHexUnderscores(t *testing.T) {
	got, err := Parse("Attribute = 0x0000_0000")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Attribute": uint64(0)}, got)
}

func TestParseCollapsesSingleEntryList(t *testing.T) {
	got, err := Parse("IBs = [ IB = { A = 1 } ]")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"IBs": map[string]any{"IB": map[string]any{"A": uint64(1)}},
	}, got)
}

func TestParseKeepsRepeatedKeysInList(t *testing.T) {
	got, err := Parse("IBs = [ IB = { A = 1 } IB = { A = 2 } ]")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"IBs": []any{
			map[string]any{"IB": map[string]any{"A": uint64(1)}},
			map[string]any{"IB": map[string]any{"A": uint64(2)}},
		},
	}, got)
}

func TestParseScalarLists(t *testing.T) {
	got, err := Parse("Data = [ 3 4 29 ]")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Data": []any{uint64(3), uint64(4), uint64(29)}}, got)
}

func TestParseQuotedStrings(t *testing.T) {
	got, err := Parse(`Data = "Living Room Light"`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Data": "Living Room Light"}, got)
}

func TestParseIsDeterministic(t *testing.T) {
	block := ExtractBlocks(Clean(rawOnOffRead))[0]

	first, err := Parse(block)
	require.NoError(t, err)
	second, err := Parse(block)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestShapeAttributeReport(t *testing.T) {
	blocks := ExtractBlocks(Clean(rawOnOffRead))
	require.Len(t, blocks, 1)
	parsed, err := Parse(blocks[0])
	require.NoError(t, err)

	records := ShapeRecords(parsed, fakeResolver{})
	require.Len(t, records, 1)
	assert.Equal(t, Record{
		Node:      1,
		Endpoint:  1,
		Cluster:   "On/Off",
		Attribute: "OnOff",
		Value:     "true",
	}, records[0])
}

func TestShapeCommandResponseStringifiesFields(t *testing.T) {
	blocks := ExtractBlocks(Clean(rawCommissioningComplete))
	require.Len(t, blocks, 1)
	parsed, err := Parse(blocks[0])
	require.NoError(t, err)

	records := ShapeRecords(parsed, fakeResolver{})
	require.Len(t, records, 1)
	assert.Equal(t, uint64(2), records[0].Node)
	assert.Equal(t, "General Commissioning", records[0].Cluster)
	assert.Equal(t, "CommissioningCompleteResponse", records[0].Command)
	assert.Equal(t, map[string]any{"0x0": "0"}, records[0].CommandFields)
}

func TestShapeMultipleReports(t *testing.T) {
	parsed, err := Parse("ReportDataMessage = { AttributeReportIBs = [ " +
		"AttributeReportIB = { AttributeDataIB = { AttributePathIB = { NodeID = 0x1 Endpoint = 0x1 Cluster = 0x6 Attribute = 0x0 } Data = true } } " +
		"AttributeReportIB = { AttributeDataIB = { AttributePathIB = { NodeID = 0x1 Endpoint = 0x2 Cluster = 0x6 Attribute = 0x0 } Data = false } } " +
		"] }")
	require.NoError(t, err)

	records := ShapeRecords(parsed, fakeResolver{})
	require.Len(t, records, 2)
	assert.Equal(t, uint16(1), records[0].Endpoint)
	assert.Equal(t, uint16(2), records[1].Endpoint)
	assert.Equal(t, "false", records[1].Value)
}

func TestShapeFallsBackToIdentifierNames(t *testing.T) {
	parsed, err := Parse("ReportDataMessage = { AttributeReportIBs = [ " +
		"AttributeReportIB = { AttributeDataIB = { AttributePathIB = { NodeID = 0x1 Endpoint = 0x1 Cluster = 0x9999 Attribute = 0x42 } Data = 7 } } ] }")
	require.NoError(t, err)

	records := ShapeRecords(parsed, fakeResolver{})
	require.Len(t, records, 1)
	assert.Equal(t, "Cluster_0x9999", records[0].Cluster)
	assert.Equal(t, "Attribute_0x0042", records[0].Attribute)
}

func TestShapeUnknownTreeKeepsRawData(t *testing.T) {
	parsed, err := Parse("WriteResponseMessage = { AttributeStatusIBs = [ 1 2 ] }")
	require.NoError(t, err)

	records := ShapeRecords(parsed, fakeResolver{})
	require.Len(t, records, 1)
	assert.Equal(t, parsed, records[0].RawData)
	assert.Empty(t, records[0].Cluster)
}

func TestShapeCommandStatus(t *testing.T) {
	parsed, err := Parse("InvokeResponseMessage = { InvokeResponseIBs = [ InvokeResponseIB = { " +
		"CommandStatusIB = { CommandPathIB = { NodeID = 0x1 EndpointId = 0x1 ClusterId = 0x6 CommandId = 0x2 } " +
		"StatusIB = { status = 0x0 } } } ] }")
	require.NoError(t, err)

	records := ShapeRecords(parsed, fakeResolver{})
	require.Len(t, records, 1)
	assert.Equal(t, "On/Off", records[0].Cluster)
	assert.Equal(t, "Command_0x02", records[0].Command)
	assert.Equal(t, "0", records[0].Status)
}
