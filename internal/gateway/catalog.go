package gateway

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"

	"hydrophone-downloader/internal/models"
)

// ListCatalog lists hydrophone locations with their devices and deployments. Listings are cached
// per location; the window filter is applied after the cache.
func (c *Client) ListCatalog(ctx context.Context, q models.CatalogQuery) ([]models.CatalogEntry, error) {
	cacheKey := "catalog:" + q.LocationID
	var entries []models.CatalogEntry
	if cached, ok := c.catalog.Get(cacheKey); ok {
		entries = cached.([]models.CatalogEntry)
	} else {
		var err error
		if entries, err = c.loadCatalog(ctx, q.LocationID); err != nil {
			return nil, err
		}
		c.catalog.Set(cacheKey, entries, cache.DefaultExpiration)
	}
	return filterCatalog(entries, q.Window), nil
}

func (c *Client) loadCatalog(ctx context.Context, location string) ([]models.CatalogEntry, error) {
	q := func() url.Values {
		v := url.Values{"deviceCategoryCode": {deviceCategory}}
		setIf(v, "locationCode", location)
		return v
	}

	var locations []struct {
		LocationCode string `json:"locationCode"`
		LocationName string `json:"locationName"`
	}
	if err := c.getJSON(ctx, "catalog", "api/locations", q(), &locations); err != nil {
		return nil, err
	}
	var devices []struct {
		DeviceCode string `json:"deviceCode"`
		DeviceName string `json:"deviceName"`
	}
	if err := c.getJSON(ctx, "catalog", "api/devices", q(), &devices); err != nil {
		return nil, err
	}
	var deployments []struct {
		DeviceCode   string `json:"deviceCode"`
		LocationCode string `json:"locationCode"`
		Begin        string `json:"begin"`
		End          string `json:"end"`
	}
	if err := c.getJSON(ctx, "catalog", "api/deployments", q(), &deployments); err != nil {
		return nil, err
	}

	names := make(map[string]string, len(devices))
	for _, d := range devices {
		names[d.DeviceCode] = d.DeviceName
	}
	entries := make([]models.CatalogEntry, 0, len(locations))
	byLocation := make(map[string]int, len(locations))
	for _, l := range locations {
		byLocation[l.LocationCode] = len(entries)
		entries = append(entries, models.CatalogEntry{LocationID: l.LocationCode, LocationName: l.LocationName})
	}
	for _, d := range deployments {
		i, ok := byLocation[d.LocationCode]
		if !ok {
			continue
		}
		dep, err := parseDeployment(d.DeviceCode, d.LocationCode, d.Begin, d.End)
		if err != nil {
			c.logger.DebugContext(ctx, "skipping deployment", "device", d.DeviceCode, "location", d.LocationCode, "error", err)
			continue
		}
		entries[i].Deployments = append(entries[i].Deployments, dep)
		if !slices.ContainsFunc(entries[i].Devices, func(x models.Device) bool { return x.DeviceID == d.DeviceCode }) {
			entries[i].Devices = append(entries[i].Devices, models.Device{DeviceID: d.DeviceCode, DeviceName: names[d.DeviceCode]})
		}
	}
	return entries, nil
}

// parseDeployment requires a begin time. An empty end means the deployment is ongoing.
func parseDeployment(device, location, begin, end string) (models.Deployment, error) {
	dep := models.Deployment{DeviceID: device, LocationID: location}
	b, err := time.Parse(time.RFC3339, begin)
	if err != nil {
		return dep, fmt.Errorf("begin: %w", err)
	}
	dep.Begin = b.UTC()
	if end != "" {
		e, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return dep, fmt.Errorf("end: %w", err)
		}
		dep.End = e.UTC()
	}
	return dep, nil
}

// filterCatalog keeps deployments overlapping window and the devices they reference. Locations left
// with no deployment are dropped when a window is given.
func filterCatalog(entries []models.CatalogEntry, window models.TimeRange) []models.CatalogEntry {
	if !window.Valid() {
		return slices.Clone(entries)
	}
	var out []models.CatalogEntry
	for _, e := range entries {
		f := models.CatalogEntry{LocationID: e.LocationID, LocationName: e.LocationName}
		for _, d := range e.Deployments {
			if !window.Overlaps(models.TimeRange{Start: d.Begin, End: d.End}) {
				continue
			}
			f.Deployments = append(f.Deployments, d)
			if !slices.ContainsFunc(f.Devices, func(x models.Device) bool { return x.DeviceID == d.DeviceID }) {
				idx := slices.IndexFunc(e.Devices, func(x models.Device) bool { return x.DeviceID == d.DeviceID })
				if idx >= 0 {
					f.Devices = append(f.Devices, e.Devices[idx])
				}
			}
		}
		if len(f.Deployments) > 0 {
			out = append(out, f)
		}
	}
	return out
}

// DeployedDevices returns the IDs of devices listed under location in entries, in catalog order.
func DeployedDevices(entries []models.CatalogEntry, location string) []string {
	var ids []string
	for _, e := range entries {
		if location != "" && e.LocationID != location {
			continue
		}
		for _, d := range e.Devices {
			if !slices.Contains(ids, d.DeviceID) {
				ids = append(ids, d.DeviceID)
			}
		}
	}
	return ids
}
