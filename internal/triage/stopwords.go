package triage

// stopWords is the English stop-word list removed before vectorization.
var stopWords = toSet(
	"a", "about", "above", "after", "again", "against", "all", "almost", "alone", "along",
	"already", "also", "although", "always", "am", "among", "an", "and", "another", "any",
	"anyhow", "anyone", "anything", "anyway", "anywhere", "are", "around", "as", "at", "be",
	"became", "because", "become", "becomes", "been", "before", "behind", "being", "below",
	"beside", "besides", "between", "beyond", "both", "but", "by", "can", "cannot", "could",
	"did", "do", "does", "doing", "done", "down", "due", "during", "each", "either", "else",
	"elsewhere", "enough", "etc", "even", "ever", "every", "everyone", "everything",
	"everywhere", "except", "few", "for", "former", "from", "further", "had", "has", "have",
	"having", "he", "hence", "her", "here", "hers", "herself", "him", "himself", "his", "how",
	"however", "if", "in", "indeed", "into", "is", "it", "its", "itself", "just", "last",
	"latter", "least", "less", "many", "may", "me", "meanwhile", "might", "more", "moreover",
	"most", "mostly", "much", "must", "my", "myself", "namely", "neither", "never",
	"nevertheless", "next", "no", "nobody", "none", "nor", "not", "nothing", "now", "nowhere",
	"of", "off", "often", "on", "once", "one", "only", "onto", "or", "other", "others",
	"otherwise", "our", "ours", "ourselves", "out", "over", "own", "per", "perhaps", "please",
	"rather", "re", "same", "seem", "seemed", "seems", "several", "she", "should", "since",
	"so", "some", "somehow", "someone", "something", "sometime", "sometimes", "somewhere",
	"still", "such", "than", "that", "the", "their", "theirs", "them", "themselves", "then",
	"thence", "there", "thereafter", "thereby", "therefore", "these", "they", "this", "those",
	"though", "through", "throughout", "thus", "to", "together", "too", "toward", "towards",
	"under", "until", "up", "upon", "us", "very", "via", "was", "we", "well", "were", "what",
	"whatever", "when", "whence", "whenever", "where", "whereas", "whether", "which", "while",
	"who", "whoever", "whole", "whom", "whose", "why", "will", "with", "within", "without",
	"would", "yet", "you", "your", "yours", "yourself", "yourselves",
)

func toSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
