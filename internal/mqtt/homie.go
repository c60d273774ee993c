package mqtt

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hosokawa-kenshin/Matterverse/internal/datamodel"
	"github.com/hosokawa-kenshin/Matterverse/internal/repository"
	"github.com/hosokawa-kenshin/Matterverse/internal/service"
)

const homieVersion = "3.0.1"

// publishDevice announces one device per Homie 3.0.1: device
// descriptor topics first, then one node per cluster with a property
// per attribute, closing with $state=ready. Everything is retained so
// late subscribers see the full topology.
func (c *Controller) publishDevice(d repository.Device) {
	clusters := c.dict.ClustersByDeviceType(uint32(d.DeviceType))
	if len(clusters) == 0 {
		c.logger.Warn("no clusters for device type, skipping homie publication",
			zap.String("topic_id", d.TopicID), zap.Int64("device_type", d.DeviceType))
		return
	}

	name := d.Name
	if name == "" {
		name = d.TopicID
	}
	base := "homie/" + d.TopicID

	c.publish(base+"/$homie", homieVersion)
	c.publish(base+"/$name", name)
	c.publish(base+"/$state", "init")

	nodes := make([]string, 0, len(clusters))
	for _, cluster := range clusters {
		nodes = append(nodes, service.NormalizeClusterName(cluster))
	}
	c.publish(base+"/$nodes", strings.Join(nodes, ","))

	for _, cluster := range clusters {
		c.publishCluster(base, cluster)
	}

	c.publish(base+"/$state", "ready")
	c.logger.Info("homie device published", zap.String("topic_id", d.TopicID))
}

func (c *Controller) publishCluster(base, cluster string) {
	node := base + "/" + service.NormalizeClusterName(cluster)
	c.publish(node+"/$name", cluster)

	attrs := c.dict.AttributesByClusterName(cluster)
	names := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		if attr.Name != "" {
			names = append(names, attr.Name)
		}
	}
	c.publish(node+"/$properties", strings.Join(names, ","))

	for _, attr := range attrs {
		if attr.Name == "" {
			continue
		}
		c.publishProperty(node, cluster, attr)
	}
}

func (c *Controller) publishProperty(node, cluster string, attr datamodel.Attribute) {
	prop := node + "/" + attr.Name
	c.publish(prop+"/$name", attr.Name)

	datatype := homieDatatype(attr)
	c.publish(prop+"/$datatype", datatype)

	switch datatype {
	case "enum":
		if format := c.enumFormat(cluster, attr); format != "" {
			c.publish(prop+"/$format", format)
		}
	case "boolean":
		c.publish(prop+"/$format", "true,false")
	}

	c.publish(prop+"/$settable", fmt.Sprintf("%t", settable(attr)))
}

// enumFormat finds the cluster enum backing the attribute's type and
// renders it in Homie enum format.
func (c *Controller) enumFormat(cluster string, attr datamodel.Attribute) string {
	for _, e := range c.dict.EnumsByClusterName(cluster) {
		if e.Name != "" && strings.Contains(strings.ToLower(attr.Type), strings.ToLower(e.Name)) {
			return enumFormat(e.Items)
		}
	}
	return ""
}

// homieDatatype maps a ZAP attribute type to the Homie datatype. The
// CurrentMode special case covers mode clusters whose attribute type
// is a bare integer even though the values come from an enum.
func homieDatatype(attr datamodel.Attribute) string {
	t := strings.ToLower(attr.Type)
	switch {
	case strings.Contains(attr.Type, "Enum") || attr.Name == "CurrentMode":
		return "enum"
	case strings.Contains(t, "int"):
		return "integer"
	case strings.Contains(t, "bool"):
		return "boolean"
	default:
		return "string"
	}
}

// settable marks writable attributes, plus OnOff, which is controlled
// through its cluster commands rather than a direct write.
func settable(attr datamodel.Attribute) bool {
	return attr.Writable || attr.Name == "OnOff"
}

// enumFormat renders enum members as value:Name pairs. Commas inside
// names are doubled, the Homie escape for the list separator.
func enumFormat(items []datamodel.EnumItem) string {
	pairs := make([]string, 0, len(items))
	for _, item := range items {
		pairs = append(pairs, fmt.Sprintf("%d:%s", item.Value, strings.ReplaceAll(item.Name, ",", ",,")))
	}
	return strings.Join(pairs, ",")
}
