package battle

import "fmt"

// RoundSpec is one generated comparison question with its ground truth.
type RoundSpec struct {
	FirstNumber   int
	SecondNumber  int
	CorrectSymbol Symbol
}

// ErrInvalidRoundCount indicates a round count outside [MinRounds, MaxRounds].
var ErrInvalidRoundCount = fmt.Errorf("battle: number of rounds must be between %d and %d", MinRounds, MaxRounds)

// GenerateRounds produces numberOfRounds independent uniformly random number
// pairs in [MinNumber, MaxNumber] with their derived comparison symbol. The
// intn argument supplies randomness (rand.IntN in production, a fixed stub in
// tests) so the function itself stays pure.
func GenerateRounds(numberOfRounds int, intn func(int) int) ([]RoundSpec, error) {
	if numberOfRounds < MinRounds || numberOfRounds > MaxRounds {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidRoundCount, numberOfRounds)
	}

	rounds := make([]RoundSpec, 0, numberOfRounds)
	for index := 0; index < numberOfRounds; index++ {
		first := MinNumber + intn(MaxNumber-MinNumber+1)
		second := MinNumber + intn(MaxNumber-MinNumber+1)
		rounds = append(rounds, RoundSpec{
			FirstNumber:   first,
			SecondNumber:  second,
			CorrectSymbol: CompareSymbol(first, second),
		})
	}
	return rounds, nil
}
