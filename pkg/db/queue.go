package db

import (
	"github.com/kilnworks/kiln/pkg/types"
)

// pendingQueueSQL derives the per-ABI pending-build queue.
//
// A (package, version) pair is satisfied for ABI a when a successful build
// produced a file tagged "none" (universal artifact), or a file tagged
// exactly a, or when any attempt (success or failure) was made against a.
// Of the remaining pairs, each maps to its lexicographically smallest
// unsatisfied ABI: the first build frequently yields a "none" artifact
// which then satisfies every other ABI, so the cheapest target goes first.
// The ordering within an ABI is oldest release first.
const pendingQueueSQL = `
WITH active_abis AS (
    SELECT abi FROM build_abis WHERE skip = ''
),
candidates AS (
    SELECT v.package, v.version, v.released, a.abi
    FROM versions v
    JOIN packages p ON p.name = v.package
    CROSS JOIN active_abis a
    WHERE p.skip = '' AND v.skip = ''
),
unsatisfied AS (
    SELECT c.package, c.version, c.released, MIN(c.abi) AS abi
    FROM candidates c
    WHERE NOT EXISTS (
            SELECT 1 FROM builds b JOIN files f ON f.build_id = b.id
            WHERE b.package = c.package AND b.version = c.version
              AND b.status = 1 AND f.abi_tag = 'none')
      AND NOT EXISTS (
            SELECT 1 FROM builds b JOIN files f ON f.build_id = b.id
            WHERE b.package = c.package AND b.version = c.version
              AND b.status = 1 AND f.abi_tag = c.abi)
      AND NOT EXISTS (
            SELECT 1 FROM builds b
            WHERE b.package = c.package AND b.version = c.version
              AND b.abi = c.abi)
    GROUP BY c.package, c.version, c.released
)
SELECT abi, package, version, position
FROM (
    SELECT abi, package, version,
           ROW_NUMBER() OVER (
               PARTITION BY abi
               ORDER BY released ASC, package ASC, version ASC) AS position
    FROM unsatisfied
)
WHERE position <= ?
ORDER BY abi, position
`

// GetPendingQueue computes the derived pending-build queue, at most limit
// entries per ABI. The queue is not stored anywhere: it is recomputed from
// relational state on every call, so it is idempotent by construction.
func (s *Store) GetPendingQueue(limit int) (types.QueueSnapshot, error) {
	rows, err := s.db.Query(pendingQueueSQL, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	snapshot := make(types.QueueSnapshot)
	for rows.Next() {
		var e types.QueueEntry
		if err := rows.Scan(&e.ABI, &e.Package, &e.Version, &e.Position); err != nil {
			return nil, mapErr(err)
		}
		snapshot[e.ABI] = append(snapshot[e.ABI], e)
	}
	return snapshot, mapErr(rows.Err())
}
