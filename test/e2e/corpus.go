// Package e2e provides end-to-end tests over a generated corpus and embedding table.
package e2e

import (
	"fmt"
	"strings"
)

// NounsPerTopic is the number of nouns generated for each topic.
const NounsPerTopic = 4

// SubstitutionCase is one generated instance and the topic its candidates must come from.
type SubstitutionCase struct {
	SentenceID string
	TargetWord string
	Topic      int
}

// Corpus holds the generated embedding file, corpus file and expectations.
type Corpus struct {
	Embeddings string
	Lines      string
	Cases      []SubstitutionCase
	// Unresolvable counts lines whose context has no known word.
	Unresolvable int
	// Malformed counts lines the parser must skip.
	Malformed int
	// Duplicates counts lines repeating an earlier result key.
	Duplicates int
	TotalLines int
}

// TopicNoun returns the j-th noun of topic t.
func TopicNoun(t, j int) string { return fmt.Sprintf("topic%dnoun%d", t, j) }

// TopicVerb returns the verb of topic t.
func TopicVerb(t int) string { return fmt.Sprintf("topic%dverb", t) }

// TopicPrefix returns the prefix shared by every noun of topic t.
func TopicPrefix(t int) string { return fmt.Sprintf("topic%dnoun", t) }

// BuildCorpus generates topics orthogonal topics with perTopic sentences each.
// Topic t nouns point along axis t with a small component on axis t+1, so the
// nearest nouns to any topic-t context are the topic-t nouns.
func BuildCorpus(topics, perTopic int) *Corpus {
	c := &Corpus{}
	c.Embeddings = buildEmbeddings(topics)

	var lines strings.Builder
	for t := 0; t < topics; t++ {
		for i := 0; i < perTopic; i++ {
			j := i % NounsPerTopic
			sid := fmt.Sprintf("t%ds%d", t, i)
			fmt.Fprintf(&lines, "%s %s N 2 1/V/%s 2/N/*%s 3/N/%s 4/DET/le\n",
				sid, TopicNoun(t, j), TopicVerb(t), strings.ToUpper(TopicNoun(t, j)),
				TopicNoun(t, (j+1)%NounsPerTopic))
			c.Cases = append(c.Cases, SubstitutionCase{SentenceID: sid, TargetWord: TopicNoun(t, j), Topic: t})
			c.TotalLines++
		}
		// the same key again: the later line replaces the earlier list
		fmt.Fprintf(&lines, "t%ds0 %s N 1 1/N/*%s 2/V/%s\n", t, TopicNoun(t, 0), TopicNoun(t, 0), TopicVerb(t))
		c.Duplicates++
		c.TotalLines++
	}
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&lines, "oov%d %s N 1 1/N/*%s 2/DET/le 3/ADJ/inconnu%d\n", i, TopicNoun(0, 0), TopicNoun(0, 0), i)
		c.Unresolvable++
		c.TotalLines++
	}
	lines.WriteString("broken line\n")
	c.Malformed++
	c.TotalLines++

	c.Lines = lines.String()
	return c
}

func buildEmbeddings(topics int) string {
	var b strings.Builder
	rows := topics * (NounsPerTopic + 1)
	fmt.Fprintf(&b, "%d %d\n", rows, topics)
	for t := 0; t < topics; t++ {
		for j := 0; j < NounsPerTopic; j++ {
			vec := make([]float64, topics)
			vec[t] = 1
			vec[(t+1)%topics] = 0.1 * float64(j+1)
			writeRow(&b, TopicNoun(t, j)+"_N", vec)
		}
		vec := make([]float64, topics)
		vec[t] = 1
		writeRow(&b, TopicVerb(t)+"_V", vec)
	}
	return b.String()
}

func writeRow(b *strings.Builder, key string, vec []float64) {
	b.WriteString(key)
	for _, v := range vec {
		fmt.Fprintf(b, " %g", v)
	}
	b.WriteByte('\n')
}
