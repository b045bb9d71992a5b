package reid

import (
	"sort"
	"time"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/utils"
)

// person is one believed-unique individual. Its history is never empty.
type person struct {
	id          int
	history     [][]float64 // oldest first
	sum         []float64   // running sum of history, for the mean
	appearances int
	firstSeen   time.Time
	lastSeen    time.Time
}

func newPerson(id int, vec []float64, now time.Time) *person {
	p := &person{
		id:          id,
		history:     [][]float64{vec},
		sum:         make([]float64, len(vec)),
		appearances: 1,
		firstSeen:   now,
		lastSeen:    now,
	}
	copy(p.sum, vec)
	return p
}

func (p *person) mean() []float64 {
	m := make([]float64, len(p.sum))
	n := float64(len(p.history))
	for i, v := range p.sum {
		m[i] = v / n
	}
	return m
}

// observe appends vec to the history, evicting the oldest embedding at capacity.
func (p *person) observe(vec []float64, capacity int, now time.Time) {
	if len(p.history) >= capacity {
		oldest := p.history[0]
		for i, v := range oldest {
			p.sum[i] -= v
		}
		p.history = append(p.history[:0:0], p.history[1:]...)
	}
	p.history = append(p.history, vec)
	for i, v := range vec {
		p.sum[i] += v
	}
	p.appearances++
	p.lastSeen = now
}

// Gallery maps person ids to their records. It is not safe for concurrent use;
// the Engine serializes every access.
type Gallery struct {
	capacity int
	people   map[int]*person
	nextID   int
}

// NewGallery returns an empty gallery keeping at most capacity embeddings per person.
func NewGallery(capacity int) *Gallery {
	if capacity < 1 {
		capacity = 1
	}
	return &Gallery{capacity: capacity, people: make(map[int]*person)}
}

// Len returns the number of known people.
func (g *Gallery) Len() int { return len(g.people) }

// NextID returns the id the next new person will receive.
func (g *Gallery) NextID() int { return g.nextID }

// nearest scores vec against the mean of every person's history. People whose
// embeddings have a different dimension are not candidates. Ties resolve to the
// lowest id. id is -1 when no person is comparable.
func (g *Gallery) nearest(vec []float64) (id int, score float64, err error) {
	id = -1
	for pid, p := range g.people {
		if len(p.sum) != len(vec) {
			continue
		}
		d, err := utils.CheckedCosineDist(vec, p.mean())
		if err != nil {
			return -1, 0, err
		}
		if id == -1 || d < score || (d == score && pid < id) {
			id, score = pid, d
		}
	}
	return id, score, nil
}

func (g *Gallery) create(vec []float64, now time.Time) *person {
	p := newPerson(g.nextID, vec, now)
	g.people[p.id] = p
	g.nextID++
	return p
}

// PersonSnapshot is a copy of one gallery entry.
type PersonSnapshot struct {
	ID          int
	Embeddings  [][]float64
	Mean        []float64
	Appearances int
	FirstSeen   time.Time
	LastSeen    time.Time
}

func (g *Gallery) snapshot() []PersonSnapshot {
	out := make([]PersonSnapshot, 0, len(g.people))
	for _, p := range g.people {
		hist := make([][]float64, len(p.history))
		for i, h := range p.history {
			hist[i] = append([]float64(nil), h...)
		}
		out = append(out, PersonSnapshot{
			ID:          p.id,
			Embeddings:  hist,
			Mean:        p.mean(),
			Appearances: p.appearances,
			FirstSeen:   p.firstSeen,
			LastSeen:    p.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
