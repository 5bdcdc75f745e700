package arbpersist

import "fmt"

// Venue ids are assigned statically: the dexes dictionary lives outside the
// tables this service owns, so names resolve through this registry instead
// of a lookup table.
var venueIds = map[string]int64{
	"hyperliquid": 1,
	"aster":       2,
	"sim":         99,
}

var venueNames = func() map[int64]string {
	names := make(map[int64]string, len(venueIds))
	for name, id := range venueIds {
		names[id] = name
	}
	return names
}()

// VenueId resolves a venue name to its storage id.
func VenueId(name string) (int64, error) {
	id, ok := venueIds[name]
	if !ok {
		return 0, fmt.Errorf("persistence: unknown venue %q", name)
	}
	return id, nil
}

// VenueName resolves a storage id back to the venue name.
func VenueName(id int64) (string, error) {
	name, ok := venueNames[id]
	if !ok {
		return "", fmt.Errorf("persistence: unknown venue id %d", id)
	}
	return name, nil
}

func venueIdsFor(names []string) ([]int64, error) {
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		id, err := VenueId(name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
